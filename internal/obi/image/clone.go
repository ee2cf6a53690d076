// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"

	"github.com/asch/obi/internal/obi/store"
	"github.com/asch/obi/internal/progress"
)

// ChildRef names one clone in the children index of its parent's pool.
type ChildRef struct {
	Pool string `json:"pool"`
	Name string `json:"name"`
}

func childKey(parentID string, snapID uint64) string {
	return parentID + "@" + strconv.FormatUint(snapID, 10)
}

// The children index is a single JSON object per pool mapping parent@snap
// keys to clone references. It is maintained through the pool's atomic
// update, so concurrent clones and removals cannot lose entries. Keys carry
// the parent's id, not its name, and survive renames.

func decodeChildren(data []byte) (map[string][]ChildRef, error) {
	idx := make(map[string][]ChildRef)
	if data == nil {
		return idx, nil
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("corrupt children index: %w", errdefs.ErrInternal)
	}

	return idx, nil
}

func childrenAdd(ctx context.Context, pool store.Pool, key string, ref ChildRef) error {
	return pool.Update(ctx, childrenObject, func(cur []byte) ([]byte, error) {
		idx, err := decodeChildren(cur)
		if err != nil {
			return nil, err
		}

		for _, r := range idx[key] {
			if r == ref {
				return json.Marshal(idx)
			}
		}
		idx[key] = append(idx[key], ref)

		return json.Marshal(idx)
	})
}

func childrenRemove(ctx context.Context, pool store.Pool, key string, ref ChildRef) error {
	return pool.Update(ctx, childrenObject, func(cur []byte) ([]byte, error) {
		idx, err := decodeChildren(cur)
		if err != nil {
			return nil, err
		}

		refs := idx[key]
		out := refs[:0]
		for _, r := range refs {
			if r != ref {
				out = append(out, r)
			}
		}
		if len(out) == 0 {
			delete(idx, key)
		} else {
			idx[key] = out
		}

		return json.Marshal(idx)
	})
}

func childrenList(ctx context.Context, pool store.Pool, key string) ([]ChildRef, error) {
	data, err := pool.Get(ctx, childrenObject)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	idx, err := decodeChildren(data)
	if err != nil {
		return nil, err
	}

	return append([]ChildRef(nil), idx[key]...), nil
}

// CloneOptions parametrize Clone.
type CloneOptions struct {
	// Features of the child. Zero enables all features; an explicit set
	// must contain layering.
	Features uint64

	// Order is the child's object size exponent, zero for the parent's.
	Order int
}

// Clone creates a copy-on-write child of a protected parent snapshot. The
// child starts fully backed by the parent: reads below the overlap fall
// through to the parent until a write materializes the object.
func Clone(ctx context.Context, st store.Store, parentPool, parentName, parentSnap, destPool, destName string, o CloneOptions) error {
	if parentSnap == "" {
		return fmt.Errorf("snapshot name was not specified: %w", errdefs.ErrInvalidArgument)
	}
	if err := checkName(destName); err != nil {
		return err
	}

	features := o.Features
	if features&^FeaturesAll != 0 {
		return fmt.Errorf("unsupported features %#x: %w", features, errdefs.ErrInvalidArgument)
	}
	if features == 0 {
		features = FeaturesAll
	}
	if features&FeatureLayering == 0 {
		return fmt.Errorf("cloning image must support layering: %w", errdefs.ErrInvalidArgument)
	}

	ppool := st.Pool(parentPool)

	data, err := ppool.Get(ctx, headerObject(parentName))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("image %s/%s: %w", parentPool, parentName, errdefs.ErrNotFound)
		}
		return err
	}
	ph, err := decodeHeader(data)
	if err != nil {
		return err
	}

	if ph.Format != 2 {
		return fmt.Errorf("parent image must be format 2: %w", errdefs.ErrInvalidArgument)
	}
	if ph.Features&FeatureLayering == 0 {
		return fmt.Errorf("parent image must support layering: %w", errdefs.ErrInvalidArgument)
	}

	rec := ph.snapByName(parentSnap)
	if rec == nil {
		return fmt.Errorf("snapshot %s@%s: %w", parentName, parentSnap, errdefs.ErrNotFound)
	}
	if !rec.Protected {
		return fmt.Errorf("parent snapshot must be protected: %w", errdefs.ErrInvalidArgument)
	}

	order := o.Order
	if err := checkOrder(order); err != nil {
		return err
	}
	if order == 0 {
		order = ph.Order
	}

	key := childKey(ph.ID, rec.ID)
	ref := ChildRef{Pool: destPool, Name: destName}

	// Register the child before creating it: unprotect checks this index,
	// so after the protection re-check below the parent snapshot cannot
	// go away under the clone.
	if err := childrenAdd(ctx, ppool, key, ref); err != nil {
		return err
	}

	rollback := func() {
		if err := childrenRemove(ctx, ppool, key, ref); err != nil {
			log.Warn().Err(err).Str("image", destPool+"/"+destName).Msg("Dangling children index entry")
		}
	}

	data, err = ppool.Get(ctx, headerObject(parentName))
	if err != nil {
		rollback()
		return err
	}
	ph2, err := decodeHeader(data)
	if err != nil {
		rollback()
		return err
	}
	rec2 := ph2.snapByID(rec.ID)
	if rec2 == nil || !rec2.Protected {
		rollback()
		return fmt.Errorf("parent snapshot must be protected: %w", errdefs.ErrInvalidArgument)
	}

	hdr := newHeader(rec.Size, order, 2, features, 0, 0)
	hdr.Parent = &ParentLink{
		Pool:    parentPool,
		Image:   parentName,
		ID:      ph.ID,
		Snap:    parentSnap,
		SnapID:  rec.ID,
		Overlap: rec.Size,
	}

	err = st.Pool(destPool).Update(ctx, headerObject(destName), func(cur []byte) ([]byte, error) {
		if cur != nil {
			return nil, fmt.Errorf("image %s/%s already exists: %w", destPool, destName, errdefs.ErrAlreadyExists)
		}

		return hdr.encode()
	})
	if err != nil {
		rollback()
		return err
	}

	log.Info().
		Str("image", destPool+"/"+destName).
		Str("parent", parentPool+"/"+parentName+"@"+parentSnap).
		Msg("Image cloned")

	return nil
}

// Flatten copies all parent backed data into the image and severs the
// parent link, leaving a standalone image. Parent ranges reading as zeros
// stay unmaterialized.
func (i *Image) Flatten(ctx context.Context, pr progress.Func) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}
	if err := i.refresh(ctx); err != nil {
		return err
	}

	// Retrying a finished flatten is a no-op.
	pl := i.hdr.Parent
	if pl == nil {
		pr.Post(1, 1)
		return nil
	}

	// A copied object carries exactly the bytes the parent snapshot shows
	// through the overlap today, which is what it showed at every child
	// snapshot too, so no preservation is needed here.
	done := make(map[int64]bool)
	var written int64
	for _, e := range i.hdr.extents(0, pl.Overlap) {
		if err := ctx.Err(); err != nil {
			return err
		}

		written += e.length
		if done[e.objectNo] {
			continue
		}
		done[e.objectNo] = true

		obj := i.hdr.object(e.objectNo)
		_, err := i.pool.Stat(ctx, obj)
		if err == nil {
			pr.Post(uint64(written), uint64(pl.Overlap))
			continue
		}
		if !errdefs.IsNotFound(err) {
			return err
		}

		content, err := i.parentObjectContent(ctx, e.objectNo)
		if err != nil {
			return err
		}
		if content != nil && !allZero(content) {
			if err := i.pool.Put(ctx, obj, content); err != nil {
				return err
			}
		}
		pr.Post(uint64(written), uint64(pl.Overlap))
	}

	err := i.updateHeader(ctx, func(h *Header) error {
		h.Parent = nil

		return nil
	})
	if err != nil {
		return err
	}

	err = childrenRemove(ctx, i.st.Pool(pl.Pool), childKey(pl.ID, pl.SnapID), ChildRef{Pool: i.pool.Name(), Name: i.name})
	if err != nil {
		return err
	}

	if i.parent != nil {
		i.parent.Close()
		i.parent = nil
	}

	pr.Post(1, 1)

	log.Info().Str("image", i.pool.Name()+"/"+i.name).Msg("Image flattened")

	return nil
}

// Children lists the clones of one of the image's snapshots.
func (i *Image) Children(ctx context.Context, snap string) ([]ChildRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.refresh(ctx); err != nil {
		return nil, err
	}

	rec := i.hdr.snapByName(snap)
	if rec == nil {
		return nil, fmt.Errorf("snapshot %s@%s: %w", i.name, snap, errdefs.ErrNotFound)
	}

	return childrenList(ctx, i.pool, childKey(i.hdr.ID, rec.ID))
}
