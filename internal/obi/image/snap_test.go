// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"context"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openSnap opens a read only handle pinned to the named snapshot.
func openSnap(t *testing.T, img *Image, name string) *Image {
	t.Helper()

	s, err := Open(context.Background(), img.st, img.pool.Name(), img.name, OpenOptions{Snap: name, Writers: 1})
	require.NoError(t, err, "open snapshot handle %s", name)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestSnapCreateAndList(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 8192, CreateOptions{Format: 2})

	require.NoError(t, img.SnapCreate(ctx, "s1"))
	require.NoError(t, img.Resize(ctx, 12288, nil))
	require.NoError(t, img.SnapCreate(ctx, "s2"))

	snaps, err := img.Snaps(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	assert.Equal(t, uint64(1), snaps[0].ID)
	assert.Equal(t, "s1", snaps[0].Name)
	assert.Equal(t, int64(8192), snaps[0].Size, "a snapshot records the size at creation time")
	assert.Equal(t, uint64(2), snaps[1].ID)
	assert.Equal(t, int64(12288), snaps[1].Size)
}

func TestSnapCreateValidation(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	require.NoError(t, img.SnapCreate(ctx, "s1"))

	err := img.SnapCreate(ctx, "s1")
	require.Error(t, err)
	assert.True(t, errdefs.IsAlreadyExists(err))

	for _, name := range []string{"", "a/b", "a@b"} {
		err := img.SnapCreate(ctx, name)
		require.Error(t, err, "snapshot name %q must be rejected", name)
		assert.True(t, errdefs.IsInvalidArgument(err))
	}
}

func TestSnapshotReadsFrozenState(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 8192, CreateOptions{Format: 2})

	before := pattern(8192, 1)
	_, err := img.WriteAt(ctx, before, 0)
	require.NoError(t, err)

	require.NoError(t, img.SnapCreate(ctx, "s1"))

	after := pattern(8192, 100)
	_, err = img.WriteAt(ctx, after, 0)
	require.NoError(t, err)

	assert.Equal(t, after, readBack(t, img, 0, 8192), "the head sees the new bytes")

	snap := openSnap(t, img, "s1")
	assert.Equal(t, before, readBack(t, snap, 0, 8192), "the snapshot sees the frozen bytes")

	// Snapshot handles refuse every mutation.
	_, err = snap.WriteAt(ctx, []byte{1}, 0)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Contains(t, err.Error(), "read-only")
}

func TestSnapshotHoleStaysZero(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 8192, CreateOptions{Format: 2})

	// Only the first object is written when the snapshot is taken.
	_, err := img.WriteAt(ctx, pattern(4096, 1), 0)
	require.NoError(t, err)
	require.NoError(t, img.SnapCreate(ctx, "s1"))

	// Filling the hole afterwards must not leak into the snapshot.
	_, err = img.WriteAt(ctx, pattern(4096, 2), 4096)
	require.NoError(t, err)

	snap := openSnap(t, img, "s1")
	assert.Equal(t, make([]byte, 4096), readBack(t, snap, 4096, 4096))
}

func TestSnapshotUnchangedObjectReadsHead(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 8192, CreateOptions{Format: 2})

	data := pattern(4096, 1)
	_, err := img.WriteAt(ctx, data, 0)
	require.NoError(t, err)
	require.NoError(t, img.SnapCreate(ctx, "s1"))

	// No write since the snapshot: no preservation object exists and the
	// snapshot resolves through the head object.
	snap := openSnap(t, img, "s1")
	assert.Equal(t, data, readBack(t, snap, 0, 4096))

	_, err = img.pool.Stat(ctx, snapObject(img.hdr.object(0), 1))
	assert.True(t, errdefs.IsNotFound(err), "an untouched object needs no preserved copy")
}

func TestSnapRemoveHandsDownState(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	a := pattern(4096, 1)
	_, err := img.WriteAt(ctx, a, 0)
	require.NoError(t, err)

	// Two snapshots with no write between them share one preserved state,
	// tagged with the newer id.
	require.NoError(t, img.SnapCreate(ctx, "s1"))
	require.NoError(t, img.SnapCreate(ctx, "s2"))
	_, err = img.WriteAt(ctx, pattern(4096, 100), 0)
	require.NoError(t, err)

	obj := img.hdr.object(0)
	_, err = img.pool.Stat(ctx, snapObject(obj, 2))
	require.NoError(t, err, "the overwrite must have preserved under the newest snapshot id")

	// Removing the newer snapshot hands the state down to the older one.
	require.NoError(t, img.SnapRemove(ctx, "s2", nil))

	_, err = img.pool.Stat(ctx, snapObject(obj, 1))
	require.NoError(t, err, "preserved state must have been retagged for the older snapshot")
	_, err = img.pool.Stat(ctx, snapObject(obj, 2))
	assert.True(t, errdefs.IsNotFound(err))

	snap := openSnap(t, img, "s1")
	assert.Equal(t, a, readBack(t, snap, 0, 4096))
}

func TestSnapRemoveKeepsOwnState(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	a := pattern(4096, 1)
	_, err := img.WriteAt(ctx, a, 0)
	require.NoError(t, err)
	require.NoError(t, img.SnapCreate(ctx, "s1"))

	b := pattern(4096, 50)
	_, err = img.WriteAt(ctx, b, 0)
	require.NoError(t, err)
	require.NoError(t, img.SnapCreate(ctx, "s2"))

	c := pattern(4096, 100)
	_, err = img.WriteAt(ctx, c, 0)
	require.NoError(t, err)

	// Both snapshots own preserved state; dropping the newer one must not
	// disturb the older one's.
	require.NoError(t, img.SnapRemove(ctx, "s2", nil))

	snap := openSnap(t, img, "s1")
	assert.Equal(t, a, readBack(t, snap, 0, 4096))
	assert.Equal(t, c, readBack(t, img, 0, 4096))

	_, err = img.pool.Stat(ctx, snapObject(img.hdr.object(0), 2))
	assert.True(t, errdefs.IsNotFound(err), "the removed snapshot's state must be gone")
}

func TestSnapRemoveNotFound(t *testing.T) {
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	err := img.SnapRemove(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSnapRemoveProtected(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	require.NoError(t, img.SnapCreate(ctx, "s1"))
	require.NoError(t, img.SnapProtect(ctx, "s1"))

	err := img.SnapRemove(ctx, "s1", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Contains(t, err.Error(), "protected from removal")

	require.NoError(t, img.SnapUnprotect(ctx, "s1"))
	require.NoError(t, img.SnapRemove(ctx, "s1", nil))
}

func TestSnapRollback(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 8192, CreateOptions{Format: 2})

	// Snapshot state: first object written, second a hole.
	a := pattern(4096, 1)
	_, err := img.WriteAt(ctx, a, 0)
	require.NoError(t, err)
	require.NoError(t, img.SnapCreate(ctx, "s1"))

	// Scribble over both objects afterwards.
	_, err = img.WriteAt(ctx, pattern(8192, 100), 0)
	require.NoError(t, err)

	require.NoError(t, img.SnapRollback(ctx, "s1", nil))

	assert.Equal(t, a, readBack(t, img, 0, 4096), "rollback restores the snapshot's bytes")
	assert.Equal(t, make([]byte, 4096), readBack(t, img, 4096, 4096), "rollback zeroes what the snapshot left sparse")

	// The snapshot itself survives a rollback.
	snap := openSnap(t, img, "s1")
	assert.Equal(t, a, readBack(t, snap, 0, 4096))
}

func TestSnapRollbackResizes(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 8192, CreateOptions{Format: 2})

	require.NoError(t, img.SnapCreate(ctx, "s1"))
	require.NoError(t, img.Resize(ctx, 16384, nil))
	_, err := img.WriteAt(ctx, pattern(4096, 7), 12288)
	require.NoError(t, err)

	require.NoError(t, img.SnapRollback(ctx, "s1", nil))
	assert.Equal(t, int64(8192), img.Size(), "rollback restores the snapshot's size")
}

func TestSnapRollbackNotFound(t *testing.T) {
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	err := img.SnapRollback(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSnapPurge(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	require.NoError(t, img.SnapCreate(ctx, "s1"))
	require.NoError(t, img.SnapCreate(ctx, "s2"))
	require.NoError(t, img.SnapCreate(ctx, "s3"))
	require.NoError(t, img.SnapProtect(ctx, "s2"))

	// The sweep removes what it can and reports the protected leftover.
	err := img.SnapPurge(ctx, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	snaps, err := img.Snaps(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "s2", snaps[0].Name)
}

func TestSnapProtectRequiresLayering(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 1})

	require.NoError(t, img.SnapCreate(ctx, "s1"))

	err := img.SnapProtect(ctx, "s1")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Contains(t, err.Error(), "layering")
}

func TestSnapProtectStates(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	require.NoError(t, img.SnapCreate(ctx, "s1"))

	err := img.SnapProtect(ctx, "nope")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, img.SnapProtect(ctx, "s1"))

	err = img.SnapProtect(ctx, "s1")
	require.Error(t, err, "protecting twice is refused")
	assert.True(t, errdefs.IsFailedPrecondition(err))

	require.NoError(t, img.SnapUnprotect(ctx, "s1"))

	err = img.SnapUnprotect(ctx, "s1")
	require.Error(t, err, "unprotecting an unprotected snapshot is refused")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestSnapNameReuse(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	require.NoError(t, img.SnapCreate(ctx, "s1"))
	require.NoError(t, img.SnapRemove(ctx, "s1", nil))
	require.NoError(t, img.SnapCreate(ctx, "s1"))

	snaps, err := img.Snaps(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(2), snaps[0].ID, "snapshot ids are never reused")
}

func TestSnapshotOperationsOnSnapshotHandle(t *testing.T) {
	ctx := context.Background()
	_, img := testImage(t, 4096, CreateOptions{Format: 2})

	require.NoError(t, img.SnapCreate(ctx, "s1"))
	snap := openSnap(t, img, "s1")

	for name, op := range map[string]func() error{
		"create":   func() error { return snap.SnapCreate(ctx, "s2") },
		"remove":   func() error { return snap.SnapRemove(ctx, "s1", nil) },
		"rollback": func() error { return snap.SnapRollback(ctx, "s1", nil) },
		"purge":    func() error { return snap.SnapPurge(ctx, nil) },
		"protect":  func() error { return snap.SnapProtect(ctx, "s1") },
		"resize":   func() error { return snap.Resize(ctx, 8192, nil) },
	} {
		err := op()
		require.Error(t, err, "%s must be refused on a read only handle", name)
		assert.True(t, errdefs.IsFailedPrecondition(err), "%s: want failed precondition, got %v", name, err)
	}
}
