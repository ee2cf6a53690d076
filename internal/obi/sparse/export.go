// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sparse

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/progress"
)

// Export writes the image's content, as the handle sees it, to the file at
// path. Holes in the image stay holes in the file, which is truncated to
// the exact image size at the end. Path "-" exports to standard output,
// where holes are written out as zeros since a stream cannot seek.
func Export(ctx context.Context, img *image.Image, path string, pr progress.Func) error {
	size := img.Size()

	var f *os.File
	stdout := path == "-"
	if stdout {
		f = os.Stdout
	} else {
		var err error
		f, err = os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
	}

	var zeros []byte

	err := img.ReadIterate(ctx, 0, size, func(off, length int64, data []byte) error {
		switch {
		case data == nil && stdout:
			if int64(len(zeros)) < length {
				zeros = make([]byte, length)
			}
			if _, err := f.Write(zeros[:length]); err != nil {
				return err
			}
		case data == nil:
			// Leave the hole to the final truncate.
		case stdout:
			if _, err := f.Write(data); err != nil {
				return err
			}
		default:
			if _, err := f.WriteAt(data, off); err != nil {
				return err
			}
		}
		pr.Post(uint64(off+length), uint64(size))

		return nil
	})
	if err != nil {
		return err
	}

	if !stdout {
		if err := f.Truncate(size); err != nil {
			return err
		}
	}
	pr.Post(uint64(size), uint64(size))

	log.Info().Str("image", img.Name()).Int64("size", size).Str("path", path).Msg("Image exported")

	return nil
}
