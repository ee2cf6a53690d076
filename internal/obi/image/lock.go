// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// LockAdd takes an advisory lock on the image under the session's client id
// and the given cookie. An empty tag takes the exclusive lock; a tag takes
// a shared lock compatible with holders of the same tag. The lock is purely
// cooperative, I/O is never blocked by it.
func (i *Image) LockAdd(ctx context.Context, cookie, tag string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}

	client := i.st.Client()
	addr := i.st.Address()

	err := i.updateHeader(ctx, func(h *Header) error {
		l := h.Lock
		if l == nil {
			h.Lock = &LockState{
				Exclusive: tag == "",
				Tag:       tag,
				Lockers:   []Locker{{Client: client, Cookie: cookie, Address: addr}},
			}

			return nil
		}

		for _, lk := range l.Lockers {
			if lk.Client == client && lk.Cookie == cookie {
				return fmt.Errorf("lock is already held by this client: %w", errdefs.ErrAlreadyExists)
			}
		}

		if l.Exclusive || tag == "" {
			return fmt.Errorf("lock is already held by someone else: %w", errdefs.ErrFailedPrecondition)
		}
		if l.Tag != tag {
			return fmt.Errorf("lock is already held by someone else with a different tag: %w", errdefs.ErrFailedPrecondition)
		}

		l.Lockers = append(l.Lockers, Locker{Client: client, Cookie: cookie, Address: addr})

		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("image", i.name).Str("cookie", cookie).Str("tag", tag).Msg("Lock added")

	return nil
}

// LockRemove releases the lock held under the given client id and cookie.
// Naming another session's client id breaks that session's lock; there is
// no ownership check.
func (i *Image) LockRemove(ctx context.Context, client, cookie string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.readOnly(); err != nil {
		return err
	}

	err := i.updateHeader(ctx, func(h *Header) error {
		l := h.Lock
		if l == nil {
			return fmt.Errorf("lock %q held by %s: %w", cookie, client, errdefs.ErrNotFound)
		}

		out := l.Lockers[:0]
		found := false
		for _, lk := range l.Lockers {
			if lk.Client == client && lk.Cookie == cookie {
				found = true
				continue
			}
			out = append(out, lk)
		}
		if !found {
			return fmt.Errorf("lock %q held by %s: %w", cookie, client, errdefs.ErrNotFound)
		}

		if len(out) == 0 {
			h.Lock = nil
		} else {
			l.Lockers = out
		}

		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("image", i.name).Str("client", client).Str("cookie", cookie).Msg("Lock removed")

	return nil
}

// LockInfo describes the holders of an image's lock.
type LockInfo struct {
	Exclusive bool
	Tag       string
	Lockers   []Locker
}

// Lockers returns the current lock holders, a zero LockInfo when the image
// is unlocked.
func (i *Image) Lockers(ctx context.Context) (LockInfo, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.refresh(ctx); err != nil {
		return LockInfo{}, err
	}

	l := i.hdr.Lock
	if l == nil {
		return LockInfo{}, nil
	}

	return LockInfo{
		Exclusive: l.Exclusive,
		Tag:       l.Tag,
		Lockers:   append([]Locker(nil), l.Lockers...),
	}, nil
}
