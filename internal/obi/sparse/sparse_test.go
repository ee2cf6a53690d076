// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sparse

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/obi/store/memstore"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}

	return b
}

// writeSparse builds a file of the given size with data only at the given
// offsets.
func writeSparse(t *testing.T, path string, size int64, pieces map[int64][]byte) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for off, b := range pieces {
		_, err := f.WriteAt(b, off)
		require.NoError(t, err)
	}
	require.NoError(t, f.Truncate(size))
}

func readImage(t *testing.T, img *image.Image, size int64) []byte {
	t.Helper()

	buf := make([]byte, size)
	n, err := img.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	require.Equal(t, size, int64(n))

	return buf
}

func TestImportExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	size := int64(4 << 20)
	writeSparse(t, src, size, map[int64][]byte{
		0:       pattern(8192, 1),
		3 << 20: pattern(4096, 7),
	})

	st := memstore.New()
	defer st.Close()

	require.NoError(t, Import(ctx, st, "rbd", "img", src, ImportOptions{Order: 20}, nil))

	img, err := image.Open(ctx, st, "rbd", "img", image.OpenOptions{})
	require.NoError(t, err)
	defer img.Close()

	require.Equal(t, size, img.Size(), "size derives from the source file")

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, readImage(t, img, size)), "imported image content differs from the source")

	// The hole between the two data ranges covers backing objects 1 and 2
	// entirely, so they must not exist. Only checkable when the filesystem
	// reported the hole in the first place.
	f, err := os.Open(src)
	require.NoError(t, err)
	extents, err := FileExtents(f)
	f.Close()
	require.NoError(t, err)
	if len(extents) > 1 {
		names, err := st.Pool("rbd").List(ctx, "obi_data.")
		require.NoError(t, err)
		assert.Len(t, names, 2, "holes must not materialize backing objects")
	}

	require.NoError(t, Export(ctx, img, dst, nil))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got), "exported file differs from the source")

	fi, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, size, fi.Size(), "export truncates to the exact image size")
}

func TestImportChunked(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src")

	content := pattern(10000, 3)
	require.NoError(t, os.WriteFile(src, content, 0o644))

	st := memstore.New()
	defer st.Close()

	err := Import(ctx, st, "rbd", "img", src, ImportOptions{
		Order:     12,
		ChunkSize: 1024,
		MergeSize: 2048,
	}, nil)
	require.NoError(t, err)

	img, err := image.Open(ctx, st, "rbd", "img", image.OpenOptions{})
	require.NoError(t, err)
	defer img.Close()

	require.True(t, bytes.Equal(content, readImage(t, img, 10000)))
}

func TestImportSizeSmallerThanFile(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src")

	content := pattern(8192, 5)
	require.NoError(t, os.WriteFile(src, content, 0o644))

	st := memstore.New()
	defer st.Close()

	require.NoError(t, Import(ctx, st, "rbd", "img", src, ImportOptions{Size: 4096, Order: 12}, nil))

	img, err := image.Open(ctx, st, "rbd", "img", image.OpenOptions{})
	require.NoError(t, err)
	defer img.Close()

	require.Equal(t, int64(4096), img.Size())
	require.True(t, bytes.Equal(content[:4096], readImage(t, img, 4096)))
}

func TestImportSizeLargerThanFile(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src")

	content := pattern(4096, 9)
	require.NoError(t, os.WriteFile(src, content, 0o644))

	st := memstore.New()
	defer st.Close()

	require.NoError(t, Import(ctx, st, "rbd", "img", src, ImportOptions{Size: 16384, Order: 12}, nil))

	img, err := image.Open(ctx, st, "rbd", "img", image.OpenOptions{})
	require.NoError(t, err)
	defer img.Close()

	require.Equal(t, int64(16384), img.Size())

	got := readImage(t, img, 16384)
	assert.True(t, bytes.Equal(content, got[:4096]))
	assert.True(t, bytes.Equal(make([]byte, 12288), got[4096:]), "the tail past the file stays zero")
}

func TestImportStdinRequiresSize(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	defer st.Close()

	err := Import(ctx, st, "rbd", "img", "-", ImportOptions{}, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = image.Open(ctx, st, "rbd", "img", image.OpenOptions{})
	assert.True(t, errdefs.IsNotFound(err), "a refused import must not create the image")
}

func TestImportMissingFile(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	err := Import(context.Background(), st, "rbd", "img", filepath.Join(t.TempDir(), "nope"), ImportOptions{}, nil)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestImportExistingImage(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, pattern(4096, 2), 0o644))

	st := memstore.New()
	defer st.Close()

	require.NoError(t, image.Create(ctx, st.Pool("rbd"), "img", image.CreateOptions{Size: 4096}))

	err := Import(ctx, st, "rbd", "img", src, ImportOptions{}, nil)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestImportReportsProgress(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, pattern(10000, 4), 0o644))

	st := memstore.New()
	defer st.Close()

	type update struct{ offset, total uint64 }
	var updates []update
	pr := func(offset, total uint64) {
		updates = append(updates, update{offset, total})
	}

	require.NoError(t, Import(ctx, st, "rbd", "img", src, ImportOptions{Order: 12, ChunkSize: 4096}, pr))

	require.NotEmpty(t, updates)
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i].offset, updates[i-1].offset, "progress never moves backwards")
	}
	assert.Equal(t, update{10000, 10000}, updates[len(updates)-1])
}

func TestExportTailHole(t *testing.T) {
	ctx := context.Background()
	dst := filepath.Join(t.TempDir(), "dst")

	st := memstore.New()
	defer st.Close()

	size := int64(1 << 20)
	require.NoError(t, image.Create(ctx, st.Pool("rbd"), "img", image.CreateOptions{Size: size, Order: 12}))

	img, err := image.Open(ctx, st, "rbd", "img", image.OpenOptions{Writers: 1})
	require.NoError(t, err)
	defer img.Close()

	head := pattern(4096, 6)
	_, err = img.WriteAt(ctx, head, 0)
	require.NoError(t, err)

	require.NoError(t, Export(ctx, img, dst, nil))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, size, int64(len(got)), "the trailing hole extends the file to image size")
	assert.True(t, bytes.Equal(head, got[:4096]))
	assert.True(t, bytes.Equal(make([]byte, size-4096), got[4096:]))
}
