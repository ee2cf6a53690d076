// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package sparse imports and exports image content through sparse files.
// The source file's allocated extents are probed through the hole seeking
// interface, coalesced into bounded runs and written chunk by chunk with a
// single write in flight; holes are never transferred.
package sparse

import (
	"fmt"
	"os"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// Extent is one contiguous allocated byte range of a source file.
type Extent struct {
	Offset int64
	Length int64
}

// FileExtents probes the allocated extents of f, in ascending offset order.
// Filesystems without usable hole information report the whole file as a
// single extent; so does a probe finding no extents at all, which guards
// against unreliable extent reporting.
func FileExtents(f *os.File) ([]Extent, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return nil, nil
	}

	whole := []Extent{{Offset: 0, Length: size}}
	fd := int(f.Fd())

	var out []Extent
	off := int64(0)
	for off < size {
		start, err := unix.Seek(fd, off, unix.SEEK_DATA)
		if err == unix.ENXIO {
			// Only holes remain.
			break
		}
		if err == unix.EINVAL || err == unix.ENOTSUP || err == unix.ENOTTY {
			return whole, nil
		}
		if err != nil {
			return nil, fmt.Errorf("extent probe of %s: %v: %w", f.Name(), err, errdefs.ErrResourceExhausted)
		}
		if start >= size {
			break
		}

		end, err := unix.Seek(fd, start, unix.SEEK_HOLE)
		if err != nil {
			return nil, fmt.Errorf("extent probe of %s: %v: %w", f.Name(), err, errdefs.ErrResourceExhausted)
		}
		if end > size {
			end = size
		}

		out = append(out, Extent{Offset: start, Length: end - start})
		off = end
	}

	if len(out) == 0 {
		return whole, nil
	}

	return out, nil
}
