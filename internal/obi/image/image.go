// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"

	"github.com/asch/obi/internal/obi/store"
	"github.com/asch/obi/internal/progress"
)

const (
	// Number of asynchronous writer threads when the caller does not
	// choose.
	defaultWriters = 16
)

// Spec names an image, optionally at a snapshot: [pool/]name[@snap].
type Spec struct {
	Pool string
	Name string
	Snap string
}

// ParseSpec splits an image spec into pool, image name and snapshot name.
// A missing pool falls back to defaultPool.
func ParseSpec(s, defaultPool string) (Spec, error) {
	orig := s
	spec := Spec{Pool: defaultPool}
	hasSnap := false

	if i := strings.IndexByte(s, '/'); i >= 0 {
		spec.Pool = s[:i]
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		spec.Snap = s[i+1:]
		s = s[:i]
		hasSnap = true
	}
	spec.Name = s

	if spec.Pool == "" || spec.Name == "" || (hasSnap && spec.Snap == "") ||
		strings.ContainsAny(spec.Name, "/@") {
		return Spec{}, fmt.Errorf("invalid image spec %q: %w", orig, errdefs.ErrInvalidArgument)
	}

	return spec, nil
}

func (s Spec) String() string {
	out := s.Pool + "/" + s.Name
	if s.Snap != "" {
		out += "@" + s.Snap
	}

	return out
}

// Image is an open handle on one image, optionally pinned to a snapshot.
// Operations on a handle serialize on an internal mutex, so a handle may be
// shared between goroutines; asynchronous writes overlap each other and
// serialize only per object piece.
type Image struct {
	st   store.Store
	pool store.Pool
	aw   *store.AsyncWriter
	name string
	hdr  *Header

	snapName string
	snapID   uint64
	snapSize int64

	// Parent handle, opened lazily at the parent snapshot.
	parent *Image

	mu     sync.Mutex
	closed bool
}

// OpenOptions parametrize Open.
type OpenOptions struct {
	// Snap pins the handle to a snapshot. Snapshot handles are read only.
	Snap string

	// Writers is the number of asynchronous writer threads, zero for the
	// default.
	Writers int
}

// Open loads the named image's header and returns a handle on it.
func Open(ctx context.Context, st store.Store, pool, name string, o OpenOptions) (*Image, error) {
	p := st.Pool(pool)

	data, err := p.Get(ctx, headerObject(name))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("image %s/%s: %w", pool, name, errdefs.ErrNotFound)
		}
		return nil, err
	}

	hdr, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	writers := o.Writers
	if writers <= 0 {
		writers = defaultWriters
	}

	i := &Image{
		st:   st,
		pool: p,
		aw:   store.NewAsyncWriter(p, writers),
		name: name,
		hdr:  hdr,
	}

	if o.Snap != "" {
		s := hdr.snapByName(o.Snap)
		if s == nil {
			i.Close()
			return nil, fmt.Errorf("snapshot %s@%s: %w", name, o.Snap, errdefs.ErrNotFound)
		}
		i.snapName = s.Name
		i.snapID = s.ID
		i.snapSize = s.Size
	}

	return i, nil
}

// Close releases the handle's writer threads and any parent handle. Closing
// twice is harmless.
func (i *Image) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true

	i.aw.Close()
	if i.parent != nil {
		i.parent.Close()
		i.parent = nil
	}

	return nil
}

// Name returns the image name.
func (i *Image) Name() string {
	return i.name
}

// Snap returns the snapshot the handle is pinned to, empty for the head.
func (i *Image) Snap() string {
	return i.snapName
}

// Size returns the image size the handle sees: the snapshot's size for
// snapshot handles, the current size otherwise.
func (i *Image) Size() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.size()
}

func (i *Image) size() int64 {
	if i.snapID != 0 {
		return i.snapSize
	}

	return i.hdr.Size
}

// refresh reloads the header from the store.
func (i *Image) refresh(ctx context.Context) error {
	data, err := i.pool.Get(ctx, headerObject(i.name))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("image %s/%s: %w", i.pool.Name(), i.name, errdefs.ErrNotFound)
		}
		return err
	}

	hdr, err := decodeHeader(data)
	if err != nil {
		return err
	}
	i.hdr = hdr

	return nil
}

// updateHeader runs fn inside the store's atomic read-modify-write of the
// header object. fn may run more than once when the update races with
// another session, so it must only transform the header it is given. The
// handle's cached header tracks the applied result.
func (i *Image) updateHeader(ctx context.Context, fn func(h *Header) error) error {
	var applied *Header

	err := i.pool.Update(ctx, headerObject(i.name), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("image %s/%s: %w", i.pool.Name(), i.name, errdefs.ErrNotFound)
		}

		h, err := decodeHeader(cur)
		if err != nil {
			return nil, err
		}
		if err := fn(h); err != nil {
			return nil, err
		}
		applied = h

		return h.encode()
	})
	if err != nil {
		return err
	}
	i.hdr = applied

	return nil
}

// readOnly reports an error for mutating operations on snapshot handles.
func (i *Image) readOnly() error {
	if i.snapID != 0 {
		return fmt.Errorf("image %s@%s is read-only: %w", i.name, i.snapName, errdefs.ErrFailedPrecondition)
	}

	return nil
}

// CreateOptions parametrize Create.
type CreateOptions struct {
	// Size in bytes.
	Size int64

	// Order is the object size exponent, zero for the default.
	Order int

	// Format 1 is the legacy flat format, format 2 supports layering.
	// Zero means format 1.
	Format int

	// Features of a format 2 image. Zero enables layering, plus striping
	// when a non default stripe geometry is given.
	Features uint64

	// StripeUnit and StripeCount must be given together or not at all.
	StripeUnit  int64
	StripeCount int64
}

// Create makes a new empty image. The header is written through a racing
// safe create, so two sessions creating the same name cannot both succeed.
func Create(ctx context.Context, pool store.Pool, name string, o CreateOptions) error {
	if err := checkName(name); err != nil {
		return err
	}
	if o.Size < 0 {
		return fmt.Errorf("image size must not be negative: %w", errdefs.ErrInvalidArgument)
	}
	if err := checkOrder(o.Order); err != nil {
		return err
	}

	order := o.Order
	if order == 0 {
		order = DefaultOrder
	}

	format := o.Format
	if format == 0 {
		format = 1
	}
	if format != 1 && format != 2 {
		return fmt.Errorf("format must be 1 or 2: %w", errdefs.ErrInvalidArgument)
	}

	if err := checkStripe(order, o.StripeUnit, o.StripeCount); err != nil {
		return err
	}

	features := o.Features
	stripeUnit, stripeCount := o.StripeUnit, o.StripeCount

	if format == 1 {
		// The legacy format knows no features and no striping.
		features = 0
		stripeUnit, stripeCount = 0, 0
	} else {
		if features&^FeaturesAll != 0 {
			return fmt.Errorf("unsupported features %#x: %w", features, errdefs.ErrInvalidArgument)
		}
		if features == 0 {
			features = FeatureLayering
			if stripeUnit != 0 && !(stripeUnit == 1<<order && stripeCount == 1) {
				features |= FeatureStripingV2
			}
		}
		if stripeUnit == 1<<order && stripeCount == 1 {
			// Explicit default geometry is no geometry.
			stripeUnit, stripeCount = 0, 0
		}
	}

	hdr := newHeader(o.Size, order, format, features, stripeUnit, stripeCount)

	err := pool.Update(ctx, headerObject(name), func(cur []byte) ([]byte, error) {
		if cur != nil {
			return nil, fmt.Errorf("image %s/%s already exists: %w", pool.Name(), name, errdefs.ErrAlreadyExists)
		}

		return hdr.encode()
	})
	if err != nil {
		return err
	}

	log.Info().Str("image", pool.Name()+"/"+name).Int64("size", o.Size).Int("order", order).Msg("Image created")

	return nil
}

// Remove deletes an image: every backing object, snapshot preservation
// object and finally the header. It refuses while the image still has
// snapshots or watchers.
func Remove(ctx context.Context, st store.Store, pool, name string, pr progress.Func) error {
	p := st.Pool(pool)

	data, err := p.Get(ctx, headerObject(name))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("image %s/%s: %w", pool, name, errdefs.ErrNotFound)
		}
		return err
	}

	hdr, err := decodeHeader(data)
	if err != nil {
		return err
	}

	if len(hdr.Snaps) > 0 {
		return fmt.Errorf("image has snapshots - these must be deleted with 'snap purge' before the image can be removed: %w", errdefs.ErrFailedPrecondition)
	}

	watchers, err := p.Watchers(ctx, headerObject(name))
	if err != nil {
		return err
	}
	if watchers > 0 {
		return fmt.Errorf("image still has watchers - this means the image is still open or the client using it crashed: %w", errdefs.ErrFailedPrecondition)
	}

	objects, err := p.List(ctx, hdr.BlockNamePrefix+".")
	if err != nil {
		return err
	}

	for n, obj := range objects {
		if err := p.Remove(ctx, obj); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		pr.Post(uint64(n+1), uint64(len(objects)))
	}

	// A clone leaves the children index of its parent's pool.
	if pl := hdr.Parent; pl != nil {
		err := childrenRemove(ctx, st.Pool(pl.Pool), childKey(pl.ID, pl.SnapID), ChildRef{Pool: pool, Name: name})
		if err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}

	if err := p.Remove(ctx, headerObject(name)); err != nil {
		return err
	}
	pr.Post(1, 1)

	log.Info().Str("image", pool+"/"+name).Msg("Image removed")

	return nil
}

// Rename gives an image a new name in the same pool. Backing objects derive
// their names from the image id, so only the header moves.
func Rename(ctx context.Context, st store.Store, pool, from, destPool, to string) error {
	if pool != destPool {
		return fmt.Errorf("mv/rename across pools not supported (source pool: %s dest pool: %s): %w",
			pool, destPool, errdefs.ErrInvalidArgument)
	}
	if err := checkName(to); err != nil {
		return err
	}

	p := st.Pool(pool)

	data, err := p.Get(ctx, headerObject(from))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("image %s/%s: %w", pool, from, errdefs.ErrNotFound)
		}
		return err
	}

	err = p.Update(ctx, headerObject(to), func(cur []byte) ([]byte, error) {
		if cur != nil {
			return nil, fmt.Errorf("image %s/%s already exists: %w", pool, to, errdefs.ErrAlreadyExists)
		}

		return data, nil
	})
	if err != nil {
		return err
	}

	return p.Remove(ctx, headerObject(from))
}

// List returns the names of all images in the pool.
func List(ctx context.Context, pool store.Pool) ([]string, error) {
	objects, err := pool.List(ctx, headerPrefix)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, strings.TrimPrefix(o, headerPrefix))
	}

	return names, nil
}

// Info is a point in time description of an image as seen by a handle.
type Info struct {
	Pool            string
	Name            string
	Snap            string
	Size            int64
	Objects         int64
	Order           int
	ObjectSize      int64
	BlockNamePrefix string
	Format          int
	Features        uint64
	StripeUnit      int64
	StripeCount     int64
	Parent          *ParentLink
	Protected       bool
}

// Info describes the image. For snapshot handles, size and protection state
// are the snapshot's.
func (i *Image) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()

	objSize := i.hdr.ObjectSize()
	size := i.size()
	unit, count := i.hdr.stripeParams()

	info := Info{
		Pool:            i.pool.Name(),
		Name:            i.name,
		Snap:            i.snapName,
		Size:            size,
		Objects:         (size + objSize - 1) / objSize,
		Order:           i.hdr.Order,
		ObjectSize:      objSize,
		BlockNamePrefix: i.hdr.BlockNamePrefix,
		Format:          i.hdr.Format,
		Features:        i.hdr.Features,
		StripeUnit:      unit,
		StripeCount:     count,
		Parent:          i.hdr.Parent,
	}

	if i.snapID != 0 {
		if s := i.hdr.snapByID(i.snapID); s != nil {
			info.Protected = s.Protected
		}
	}

	return info
}

// Resize grows or shrinks the image. Shrinking trims backing objects beyond
// the new size, preserving their content first when snapshots need it, and
// never grows back a clone's overlap.
func (i *Image) Resize(ctx context.Context, newSize int64, pr progress.Func) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.resize(ctx, newSize, pr)
}

func (i *Image) resize(ctx context.Context, newSize int64, pr progress.Func) error {
	if err := i.readOnly(); err != nil {
		return err
	}
	if newSize < 0 {
		return fmt.Errorf("image size must not be negative: %w", errdefs.ErrInvalidArgument)
	}
	if err := i.refresh(ctx); err != nil {
		return err
	}

	oldSize := i.hdr.Size

	if newSize < oldSize {
		if err := i.trim(ctx, newSize, oldSize, pr); err != nil {
			return err
		}
	}

	err := i.updateHeader(ctx, func(h *Header) error {
		h.Size = newSize
		if h.Parent != nil && h.Parent.Overlap > newSize {
			h.Parent.Overlap = newSize
		}

		return nil
	})
	if err != nil {
		return err
	}
	pr.Post(1, 1)

	log.Info().Str("image", i.name).Int64("size", newSize).Msg("Image resized")

	return nil
}

// trim discards backing data in [newSize, oldSize). Objects lying fully
// beyond the boundary are removed, objects straddling it keep their head and
// get the tail zeroed. Content still needed by a snapshot is preserved
// before it is touched.
func (i *Image) trim(ctx context.Context, newSize, oldSize int64, pr progress.Func) error {
	exts := i.hdr.extents(newSize, oldSize-newSize)

	done := make(map[int64]bool)
	var n uint64
	for _, e := range exts {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := i.preserveObject(ctx, e.objectNo); err != nil {
			return err
		}

		if i.hdr.objectFloor(e.objectNo) >= newSize {
			if done[e.objectNo] {
				continue
			}
			done[e.objectNo] = true

			err := i.pool.Remove(ctx, i.hdr.object(e.objectNo))
			if err != nil && !errdefs.IsNotFound(err) {
				return err
			}
		} else {
			err := i.zeroObjectRange(ctx, e)
			if err != nil {
				return err
			}
		}

		n++
		pr.Post(n, uint64(len(exts))+1)
	}

	return nil
}

// zeroObjectRange zeroes one extent inside an existing object. Absent
// objects already read as zeros.
func (i *Image) zeroObjectRange(ctx context.Context, e extent) error {
	obj := i.hdr.object(e.objectNo)

	size, err := i.pool.Stat(ctx, obj)
	if errdefs.IsNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}
	if e.off >= size {
		return nil
	}

	n := e.length
	if e.off+n > size {
		n = size - e.off
	}

	return i.pool.WriteAt(ctx, obj, make([]byte, n), e.off)
}
