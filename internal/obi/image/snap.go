// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"

	"github.com/asch/obi/internal/progress"
)

// SnapCreate adds a snapshot of the image's current content. Snapshot ids
// come from the header's sequence and are never reused, so a removed
// snapshot's name can be taken again without confusing older preserved
// state.
func (i *Image) SnapCreate(ctx context.Context, name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, "/@") {
		return fmt.Errorf("invalid snapshot name %q: %w", name, errdefs.ErrInvalidArgument)
	}

	err := i.updateHeader(ctx, func(h *Header) error {
		if h.snapByName(name) != nil {
			return fmt.Errorf("snapshot %s@%s: %w", i.name, name, errdefs.ErrAlreadyExists)
		}

		h.SnapSeq++
		h.Snaps = append(h.Snaps, SnapRecord{ID: h.SnapSeq, Name: name, Size: h.Size})

		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("image", i.name).Str("snap", name).Msg("Snapshot created")

	return nil
}

// SnapRemove deletes a snapshot. Preserved object states the snapshot owns
// are handed down to the next older snapshot when that one has none of its
// own, otherwise dropped.
func (i *Image) SnapRemove(ctx context.Context, name string, pr progress.Func) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}

	return i.snapRemove(ctx, name, pr)
}

func (i *Image) snapRemove(ctx context.Context, name string, pr progress.Func) error {
	var removedID, prevID uint64

	err := i.updateHeader(ctx, func(h *Header) error {
		rec := h.snapByName(name)
		if rec == nil {
			return fmt.Errorf("snapshot %s@%s: %w", i.name, name, errdefs.ErrNotFound)
		}
		if rec.Protected {
			return fmt.Errorf("Snapshot '%s' is protected from removal: %w", name, errdefs.ErrFailedPrecondition)
		}

		removedID = rec.ID
		prevID = h.prevSnapID(rec.ID)

		snaps := make([]SnapRecord, 0, len(h.Snaps)-1)
		for _, s := range h.Snaps {
			if s.ID != removedID {
				snaps = append(snaps, s)
			}
		}
		h.Snaps = snaps

		return nil
	})
	if err != nil {
		return err
	}

	names, err := i.pool.List(ctx, i.hdr.BlockNamePrefix+".")
	if err != nil {
		return err
	}

	var pres []string
	for _, n := range names {
		if _, id, ok := parseSnapObject(n); ok && id == removedID {
			pres = append(pres, n)
		}
	}

	for idx, n := range pres {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Readers of older snapshots resolved through this state when
		// the older snapshot has no preservation of its own; retag it
		// for them before dropping the removed id.
		if prevID != 0 {
			base, _, _ := parseSnapObject(n)
			prev := snapObject(base, prevID)

			_, err := i.pool.Stat(ctx, prev)
			if errdefs.IsNotFound(err) {
				if err := i.pool.Copy(ctx, n, prev); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}

		if err := i.pool.Remove(ctx, n); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		pr.Post(uint64(idx+1), uint64(len(pres)))
	}
	pr.Post(1, 1)

	log.Info().Str("image", i.name).Str("snap", name).Msg("Snapshot removed")

	return nil
}

// SnapRollback rewrites the image head with the snapshot's content, resizing
// the image to the snapshot's size first. Ranges the snapshot leaves sparse
// stay sparse on the head.
func (i *Image) SnapRollback(ctx context.Context, name string, pr progress.Func) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}
	if err := i.refresh(ctx); err != nil {
		return err
	}

	rec := i.hdr.snapByName(name)
	if rec == nil {
		return fmt.Errorf("snapshot %s@%s: %w", i.name, name, errdefs.ErrNotFound)
	}
	snapSize := rec.Size

	if i.hdr.Size != snapSize {
		if err := i.resize(ctx, snapSize, nil); err != nil {
			return err
		}
	}

	s, err := Open(ctx, i.st, i.pool.Name(), i.name, OpenOptions{Snap: name, Writers: 1})
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.ReadIterate(ctx, 0, snapSize, func(off, length int64, data []byte) error {
		if data == nil {
			// Snapshot hole: zero whatever the head has there.
			e := i.hdr.extents(off, length)[0]
			if err := i.preserveObject(ctx, e.objectNo); err != nil {
				return err
			}
			if err := i.zeroObjectRange(ctx, e); err != nil {
				return err
			}
		} else if _, err := i.writeAt(ctx, data, off); err != nil {
			return err
		}
		pr.Post(uint64(off+length), uint64(snapSize))

		return nil
	})
	if err != nil {
		return err
	}
	pr.Post(1, 1)

	log.Info().Str("image", i.name).Str("snap", name).Msg("Rolled back to snapshot")

	return nil
}

// SnapPurge removes all unprotected snapshots. Protected ones are left in
// place; the last failure is reported after the sweep.
func (i *Image) SnapPurge(ctx context.Context, pr progress.Func) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}
	if err := i.refresh(ctx); err != nil {
		return err
	}

	snaps := append([]SnapRecord(nil), i.hdr.Snaps...)

	var lastErr error
	for idx, s := range snaps {
		if s.Protected {
			lastErr = fmt.Errorf("Snapshot '%s' is protected from removal: %w", s.Name, errdefs.ErrFailedPrecondition)
		} else if err := i.snapRemove(ctx, s.Name, nil); err != nil {
			lastErr = err
		}
		pr.Post(uint64(idx+1), uint64(len(snaps)))
	}

	return lastErr
}

// SnapProtect marks a snapshot as a valid clone parent and guards it against
// removal.
func (i *Image) SnapProtect(ctx context.Context, name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}

	err := i.updateHeader(ctx, func(h *Header) error {
		if h.Features&FeatureLayering == 0 {
			return fmt.Errorf("snapshot protection requires the layering feature: %w", errdefs.ErrInvalidArgument)
		}

		rec := h.snapByName(name)
		if rec == nil {
			return fmt.Errorf("snapshot %s@%s: %w", i.name, name, errdefs.ErrNotFound)
		}
		if rec.Protected {
			return fmt.Errorf("snapshot %s@%s is already protected: %w", i.name, name, errdefs.ErrFailedPrecondition)
		}
		rec.Protected = true

		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("image", i.name).Str("snap", name).Msg("Snapshot protected")

	return nil
}

// SnapUnprotect clears the protection of a snapshot so it can be removed
// again. It refuses while clones of the snapshot exist.
func (i *Image) SnapUnprotect(ctx context.Context, name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}
	if err := i.refresh(ctx); err != nil {
		return err
	}

	rec := i.hdr.snapByName(name)
	if rec == nil {
		return fmt.Errorf("snapshot %s@%s: %w", i.name, name, errdefs.ErrNotFound)
	}
	if !rec.Protected {
		return fmt.Errorf("snapshot %s@%s is not protected: %w", i.name, name, errdefs.ErrInvalidArgument)
	}

	children, err := childrenList(ctx, i.pool, childKey(i.hdr.ID, rec.ID))
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("cannot unprotect: snapshot %s@%s has children: %w", i.name, name, errdefs.ErrFailedPrecondition)
	}

	err = i.updateHeader(ctx, func(h *Header) error {
		rec := h.snapByName(name)
		if rec == nil {
			return fmt.Errorf("snapshot %s@%s: %w", i.name, name, errdefs.ErrNotFound)
		}
		if !rec.Protected {
			return fmt.Errorf("snapshot %s@%s is not protected: %w", i.name, name, errdefs.ErrInvalidArgument)
		}
		rec.Protected = false

		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("image", i.name).Str("snap", name).Msg("Snapshot unprotected")

	return nil
}

// Snaps lists the image's snapshots.
func (i *Image) Snaps(ctx context.Context) ([]SnapRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.refresh(ctx); err != nil {
		return nil, err
	}

	return append([]SnapRecord(nil), i.hdr.Snaps...), nil
}
