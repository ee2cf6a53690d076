// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"bytes"
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/asch/obi/internal/obi/aio"
	"github.com/asch/obi/internal/obi/store"
	"github.com/asch/obi/internal/progress"
)

// ReadAt reads from the image into p starting at off, resolving each piece
// through the layering: snapshot preservation first for snapshot handles,
// then the image's own object, then the parent within the overlap, then
// zeros. Reads are clamped at the image size; the clamped length is
// returned.
func (i *Image) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.readAt(ctx, p, off)
}

func (i *Image) readAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative read offset: %w", errdefs.ErrInvalidArgument)
	}

	size := i.size()
	if off >= size {
		return 0, nil
	}

	length := int64(len(p))
	if off+length > size {
		length = size - off
	}

	pos := int64(0)
	for _, e := range i.hdr.extents(off, length) {
		if err := ctx.Err(); err != nil {
			return int(pos), err
		}

		data, present, err := i.readObjectExtent(ctx, e, off+pos)
		if err != nil {
			return int(pos), err
		}

		dst := p[pos : pos+e.length]
		if present {
			copy(dst, data)
		} else {
			zero(dst)
		}
		pos += e.length
	}

	return int(length), nil
}

// readObjectExtent resolves one object piece. present is false for holes:
// pieces backed by no object and no parent data. For present pieces the
// returned slice has exactly the extent's length, zero padded past the end
// of the backing object.
func (i *Image) readObjectExtent(ctx context.Context, e extent, imageOff int64) ([]byte, bool, error) {
	obj := i.hdr.object(e.objectNo)

	if i.snapID != 0 {
		pres, ok, err := i.snapPreservation(ctx, obj, i.snapID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			buf := make([]byte, e.length)
			if _, err := i.pool.ReadAt(ctx, pres, buf, e.off); err != nil {
				return nil, false, err
			}
			return buf, true, nil
		}
		// No preservation: the head was not written since the
		// snapshot, so the head state below is the snapshot state.
	}

	buf := make([]byte, e.length)
	_, err := i.pool.ReadAt(ctx, obj, buf, e.off)
	if err == nil {
		return buf, true, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, false, err
	}

	// Unwritten object: the parent shows through within the overlap.
	if pl := i.hdr.Parent; pl != nil && imageOff < pl.Overlap {
		n := e.length
		if imageOff+n > pl.Overlap {
			n = pl.Overlap - imageOff
		}

		p, err := i.openParent(ctx)
		if err != nil {
			return nil, false, err
		}
		if _, err := p.ReadAt(ctx, buf[:n], imageOff); err != nil {
			return nil, false, err
		}

		return buf, true, nil
	}

	return nil, false, nil
}

// snapPreservation finds the preservation object serving reads of obj at the
// given snapshot: the one with the smallest id at or above it. ok is false
// when the head state still serves the snapshot.
func (i *Image) snapPreservation(ctx context.Context, obj string, snapID uint64) (string, bool, error) {
	names, err := i.pool.List(ctx, obj+"@")
	if err != nil {
		return "", false, err
	}

	var best uint64
	found := false
	for _, n := range names {
		_, id, ok := parseSnapObject(n)
		if !ok {
			continue
		}
		if id >= snapID && (!found || id < best) {
			best = id
			found = true
		}
	}
	if !found {
		return "", false, nil
	}

	return snapObject(obj, best), true, nil
}

// preserveObject freezes the state a reader at the latest snapshot would see
// for this object, unless already frozen. It must run before the first head
// mutation of the object after a snapshot: afterwards the snapshot reads the
// frozen copy instead of the head.
func (i *Image) preserveObject(ctx context.Context, objectNo int64) error {
	latest := i.hdr.latestSnapID()
	if latest == 0 {
		return nil
	}

	obj := i.hdr.object(objectNo)
	pres := snapObject(obj, latest)

	_, err := i.pool.Stat(ctx, pres)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	// The head object itself still holds the snapshot state.
	_, err = i.pool.Stat(ctx, obj)
	if err == nil {
		return i.pool.Copy(ctx, obj, pres)
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	// Never written: a clone shows parent bytes here, a plain image
	// zeros. Freeze those; an empty preservation object reads as zeros.
	content, err := i.parentObjectContent(ctx, objectNo)
	if err != nil {
		return err
	}

	return i.pool.Put(ctx, pres, content)
}

// openParent opens the parent image at the parent snapshot, caching the
// handle.
func (i *Image) openParent(ctx context.Context) (*Image, error) {
	if i.parent != nil {
		return i.parent, nil
	}

	pl := i.hdr.Parent
	if pl == nil {
		return nil, fmt.Errorf("image %s has no parent: %w", i.name, errdefs.ErrInternal)
	}

	p, err := Open(ctx, i.st, pl.Pool, pl.Image, OpenOptions{Snap: pl.Snap, Writers: 1})
	if err != nil {
		return nil, err
	}
	i.parent = p

	return p, nil
}

// parentObjectContent materializes the bytes the parent contributes to the
// given child object, laid out object locally. nil when the object lies
// fully beyond the overlap.
func (i *Image) parentObjectContent(ctx context.Context, objectNo int64) ([]byte, error) {
	pl := i.hdr.Parent
	if pl == nil {
		return nil, nil
	}

	var content []byte
	var max int64
	for _, r := range i.hdr.objectRanges(objectNo) {
		if r.imageOff >= pl.Overlap {
			continue
		}

		n := r.length
		if r.imageOff+n > pl.Overlap {
			n = pl.Overlap - r.imageOff
		}

		p, err := i.openParent(ctx)
		if err != nil {
			return nil, err
		}

		if content == nil {
			content = make([]byte, i.hdr.ObjectSize())
		}
		if _, err := p.ReadAt(ctx, content[r.off:r.off+n], r.imageOff); err != nil {
			return nil, err
		}

		if end := r.off + n; end > max {
			max = end
		}
	}

	if content == nil {
		return nil, nil
	}

	return content[:max], nil
}

// WriteAt writes p at off. Writes never extend the image; resizing is
// explicit.
func (i *Image) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.writeAt(ctx, p, off)
}

func (i *Image) writeAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := i.readOnly(); err != nil {
		return 0, err
	}
	if off < 0 || off+int64(len(p)) > i.hdr.Size {
		return 0, fmt.Errorf("write of %d bytes at %d past end of image (size %d): %w",
			len(p), off, i.hdr.Size, errdefs.ErrInvalidArgument)
	}

	pos := int64(0)
	for _, e := range i.hdr.extents(off, int64(len(p))) {
		if err := ctx.Err(); err != nil {
			return int(pos), err
		}

		if err := i.writeExtent(ctx, e, off+pos, p[pos:pos+e.length]); err != nil {
			return int(pos), err
		}
		pos += e.length
	}

	return len(p), nil
}

// writeExtent applies one object piece of a write: snapshot preservation
// first, then either a copyup materializing the parent's content into the
// object together with the new bytes, or a plain object write.
func (i *Image) writeExtent(ctx context.Context, e extent, imageOff int64, src []byte) error {
	if err := i.preserveObject(ctx, e.objectNo); err != nil {
		return err
	}

	obj := i.hdr.object(e.objectNo)

	if i.hdr.Parent != nil {
		_, err := i.pool.Stat(ctx, obj)
		if errdefs.IsNotFound(err) {
			content, err := i.parentObjectContent(ctx, e.objectNo)
			if err != nil {
				return err
			}
			if content != nil {
				if need := e.off + int64(len(src)); int64(len(content)) < need {
					grown := make([]byte, need)
					copy(grown, content)
					content = grown
				}
				copy(content[e.off:], src)

				return i.pool.Put(ctx, obj, content)
			}
		} else if err != nil {
			return err
		}
	}

	return i.pool.WriteAt(ctx, obj, src, e.off)
}

// AsyncWriteAt issues the write without waiting for it and delivers the
// result through c. Plain images take a fast path straight through the
// writer pool; layered writes run on a goroutine of their own.
func (i *Image) AsyncWriteAt(ctx context.Context, p []byte, off int64, c *aio.Completion) {
	i.mu.Lock()

	if err := i.readOnly(); err != nil {
		i.mu.Unlock()
		c.Complete(err)
		return
	}
	if off < 0 || off+int64(len(p)) > i.hdr.Size {
		err := fmt.Errorf("write of %d bytes at %d past end of image (size %d): %w",
			len(p), off, i.hdr.Size, errdefs.ErrInvalidArgument)
		i.mu.Unlock()
		c.Complete(err)
		return
	}

	if i.hdr.Parent == nil && len(i.hdr.Snaps) == 0 {
		if exts := i.hdr.extents(off, int64(len(p))); len(exts) == 1 {
			e := exts[0]
			obj := i.hdr.object(e.objectNo)
			i.mu.Unlock()
			i.aw.AsyncWriteAt(ctx, obj, p, e.off, c)
			return
		}
	}
	i.mu.Unlock()

	go func() {
		i.mu.Lock()
		_, err := i.writeAt(ctx, p, off)
		i.mu.Unlock()
		c.Complete(err)
	}()
}

// ReadIterate walks [off, off+length) in object piece granularity and calls
// cb once per piece: with the piece's data, or with nil data for holes.
// Lengths are exact, holes included.
func (i *Image) ReadIterate(ctx context.Context, off, length int64, cb func(off, length int64, data []byte) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.readIterate(ctx, off, length, cb)
}

func (i *Image) readIterate(ctx context.Context, off, length int64, cb func(off, length int64, data []byte) error) error {
	if off < 0 {
		return fmt.Errorf("negative read offset: %w", errdefs.ErrInvalidArgument)
	}

	size := i.size()
	if off >= size {
		return nil
	}
	if off+length > size {
		length = size - off
	}

	pos := int64(0)
	for _, e := range i.hdr.extents(off, length) {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, present, err := i.readObjectExtent(ctx, e, off+pos)
		if err != nil {
			return err
		}
		if !present {
			data = nil
		}

		if err := cb(off+pos, e.length, data); err != nil {
			return err
		}
		pos += e.length
	}

	return nil
}

// CopyTo copies the image's content, as the handle sees it, into a new
// image with the same geometry in the given pool. Holes stay holes.
func (i *Image) CopyTo(ctx context.Context, destPool, destName string, pr progress.Func) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	size := i.size()

	err := Create(ctx, i.st.Pool(destPool), destName, CreateOptions{
		Size:        size,
		Order:       i.hdr.Order,
		Format:      i.hdr.Format,
		Features:    i.hdr.Features,
		StripeUnit:  i.hdr.StripeUnit,
		StripeCount: i.hdr.StripeCount,
	})
	if err != nil {
		return err
	}

	dest, err := Open(ctx, i.st, destPool, destName, OpenOptions{Writers: 1})
	if err != nil {
		return err
	}
	defer dest.Close()

	err = i.readIterate(ctx, 0, size, func(off, length int64, data []byte) error {
		if data != nil {
			if _, err := dest.WriteAt(ctx, data, off); err != nil {
				return err
			}
		}
		pr.Post(uint64(off+length), uint64(size))

		return nil
	})
	if err != nil {
		return err
	}
	pr.Post(uint64(size), uint64(size))

	return nil
}

// Watch subscribes fn to header changes of the image.
func (i *Image) Watch(ctx context.Context, fn store.WatchFunc) (func(), error) {
	return i.pool.Watch(ctx, headerObject(i.name), fn)
}

// Watchers returns the number of active watches on the image's header.
func (i *Image) Watchers(ctx context.Context) (int, error) {
	return i.pool.Watchers(ctx, headerObject(i.name))
}

// allZero reports whether b contains only zero bytes.
func allZero(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}

func zero(b []byte) {
	for j := range b {
		b[j] = 0
	}
}
