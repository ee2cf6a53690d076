// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sparse

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"

	"github.com/asch/obi/internal/obi/aio"
	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/obi/store"
	"github.com/asch/obi/internal/progress"
)

// ImportOptions parametrize Import.
type ImportOptions struct {
	// Size of the created image. Zero derives it from the source file;
	// standard input needs it set.
	Size int64

	// Create parameters of the destination image.
	Order    int
	Format   int
	Features uint64

	// MergeSize and ChunkSize tune the planner, zero for the defaults.
	MergeSize int64
	ChunkSize int64
}

// Import creates the image and fills it from the file at path, skipping
// holes. The pipeline keeps exactly one write in flight and waits for it
// before reading the next chunk, so memory stays bounded and a failure
// leaves a clean prefix behind. Path "-" imports standard input; the first
// chunk is read sequentially to keep that working, later chunks need a
// seekable source.
func Import(ctx context.Context, st store.Store, pool, name, path string, o ImportOptions, pr progress.Func) error {
	var f *os.File
	stdin := path == "-"
	if stdin {
		f = os.Stdin
	} else {
		var err error
		f, err = os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
			}
			return err
		}
		defer f.Close()
	}

	size := o.Size
	var extents []Extent
	if stdin {
		if size <= 0 {
			return fmt.Errorf("image size must be given when importing from standard input: %w", errdefs.ErrInvalidArgument)
		}
		extents = []Extent{{Offset: 0, Length: size}}
	} else {
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		if size == 0 {
			size = fi.Size()
		}
		if extents, err = FileExtents(f); err != nil {
			return err
		}
	}

	err := image.Create(ctx, st.Pool(pool), name, image.CreateOptions{
		Size:     size,
		Order:    o.Order,
		Format:   o.Format,
		Features: o.Features,
	})
	if err != nil {
		return err
	}

	img, err := image.Open(ctx, st, pool, name, image.OpenOptions{Writers: 1})
	if err != nil {
		return err
	}
	defer img.Close()

	chunk := o.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	p := NewPlanner(extents, o.MergeSize)
	buf := make([]byte, chunk)

	firstRun := true
	for {
		r, ok := p.Next()
		if !ok {
			break
		}

		sequentialStart := firstRun && r.Offset == 0
		firstRun = false

		if r.Offset >= size {
			continue
		}
		if r.Offset+r.Length > size {
			r.Length = size - r.Offset
		}

		for runOff := int64(0); runOff < r.Length; {
			if err := ctx.Err(); err != nil {
				return err
			}

			n := chunk
			if runOff+n > r.Length {
				n = r.Length - runOff
			}
			b := buf[:n]
			fileOff := r.Offset + runOff

			if sequentialStart && runOff == 0 {
				// A sequential read keeps non seekable sources
				// such as standard input working.
				if _, err := io.ReadFull(f, b); err != nil {
					return fmt.Errorf("reading %s at 0: %v: %w", path, err, errdefs.ErrUnavailable)
				}
			} else {
				if _, err := f.ReadAt(b, fileOff); err != nil && err != io.EOF {
					return fmt.Errorf("reading %s at %d: %v: %w", path, fileOff, err, errdefs.ErrUnavailable)
				}
			}

			c := aio.NewCompletion(nil)
			img.AsyncWriteAt(ctx, b, fileOff, c)
			if err := c.Wait(ctx); err != nil {
				return err
			}

			runOff += n
			pr.Post(uint64(fileOff+n), uint64(size))
		}
	}
	pr.Post(uint64(size), uint64(size))

	log.Info().Str("image", pool+"/"+name).Int64("size", size).Str("path", path).Msg("Image imported")

	return nil
}
