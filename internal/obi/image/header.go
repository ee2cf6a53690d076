// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// Feature bits of format 2 images.
const (
	// FeatureLayering enables cloning from snapshots.
	FeatureLayering uint64 = 1 << 0

	// FeatureStripingV2 enables striping data across object sets.
	FeatureStripingV2 uint64 = 1 << 1

	// FeaturesAll is every feature this implementation supports.
	FeaturesAll = FeatureLayering | FeatureStripingV2
)

const (
	// Limits for the object size exponent: objects are between 4 KB and
	// 32 MB.
	minOrder = 12
	maxOrder = 25

	// Object size exponent used when the caller does not choose one.
	DefaultOrder = 22

	// Name of the per-pool index object tracking clone relations.
	childrenObject = "obi_children"

	// Prefix of header object names within a pool.
	headerPrefix = "obi_header."
)

// Header is the persistent metadata of one image. It lives in a single
// object per image; every mutation replaces the object atomically so no torn
// header is ever observable.
type Header struct {
	// ID is a stable identifier surviving renames. Backing object names
	// derive from it.
	ID string

	Format   int
	Order    int
	Size     int64
	Features uint64

	// StripeUnit and StripeCount are zero for default striping, which is
	// one stripe of one object size.
	StripeUnit  int64
	StripeCount int64

	// BlockNamePrefix is the common prefix of the image's backing object
	// names.
	BlockNamePrefix string

	// Parent is the clone relation, nil for images that are no clones.
	Parent *ParentLink

	// SnapSeq is the last snapshot id handed out. Snapshot ids are
	// monotonic per image and never reused.
	SnapSeq uint64

	Snaps []SnapRecord

	// Lock is the advisory lock state, nil while unlocked.
	Lock *LockState
}

// ParentLink records the clone relation of a child image.
type ParentLink struct {
	Pool   string
	Image  string
	ID     string
	Snap   string
	SnapID uint64

	// Overlap is the number of bytes of the child's address space that
	// still fall back to parent data. It only ever shrinks.
	Overlap int64
}

// SnapRecord is one snapshot of an image.
type SnapRecord struct {
	ID        uint64
	Name      string
	Size      int64
	Protected bool
}

// LockState is the advisory lock of an image.
type LockState struct {
	// Exclusive locks have exactly one locker and an empty tag. Shared
	// locks have any number of lockers, all under the same tag.
	Exclusive bool
	Tag       string
	Lockers   []Locker
}

// Locker is one holder of an image's lock.
type Locker struct {
	Client  string
	Cookie  string
	Address string
}

// newHeader initializes the header of a fresh image. The caller has
// validated the arguments.
func newHeader(size int64, order, format int, features uint64, stripeUnit, stripeCount int64) *Header {
	id := newID()

	return &Header{
		ID:              id,
		Format:          format,
		Order:           order,
		Size:            size,
		Features:        features,
		StripeUnit:      stripeUnit,
		StripeCount:     stripeCount,
		BlockNamePrefix: "obi_data." + id,
	}
}

// newID returns a short unique image id.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (h *Header) encode() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding image header: %v: %w", err, errdefs.ErrInternal)
	}

	return data, nil
}

func decodeHeader(data []byte) (*Header, error) {
	h := &Header{}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("decoding image header: %v: %w", err, errdefs.ErrInternal)
	}

	return h, nil
}

// headerObject returns the name of the header object of the named image.
func headerObject(name string) string {
	return headerPrefix + name
}

// ObjectSize returns the size of one backing object in bytes.
func (h *Header) ObjectSize() int64 {
	return 1 << h.Order
}

// Objects returns the number of backing objects covering the image size.
func (h *Header) Objects() int64 {
	objSize := h.ObjectSize()

	return (h.Size + objSize - 1) / objSize
}

// object returns the name of the backing object with the given index.
func (h *Header) object(objectNo int64) string {
	return fmt.Sprintf("%s.%016x", h.BlockNamePrefix, objectNo)
}

// snapObject returns the name of the object preserving the given object's
// content for the given snapshot.
func snapObject(object string, snapID uint64) string {
	return object + "@" + strconv.FormatUint(snapID, 10)
}

// parseSnapObject splits a preservation object name into the backing object
// name and the snapshot id. ok is false for plain backing objects.
func parseSnapObject(name string) (object string, snapID uint64, ok bool) {
	i := strings.LastIndexByte(name, '@')
	if i < 0 {
		return name, 0, false
	}

	id, err := strconv.ParseUint(name[i+1:], 10, 64)
	if err != nil {
		return name, 0, false
	}

	return name[:i], id, true
}

// snapByName returns the snapshot with the given name, nil if absent.
func (h *Header) snapByName(name string) *SnapRecord {
	for i := range h.Snaps {
		if h.Snaps[i].Name == name {
			return &h.Snaps[i]
		}
	}

	return nil
}

// snapByID returns the snapshot with the given id, nil if absent.
func (h *Header) snapByID(id uint64) *SnapRecord {
	for i := range h.Snaps {
		if h.Snaps[i].ID == id {
			return &h.Snaps[i]
		}
	}

	return nil
}

// latestSnapID returns the highest snapshot id, zero when the image has no
// snapshots.
func (h *Header) latestSnapID() uint64 {
	var latest uint64
	for i := range h.Snaps {
		if h.Snaps[i].ID > latest {
			latest = h.Snaps[i].ID
		}
	}

	return latest
}

// prevSnapID returns the highest snapshot id below the given one, zero when
// there is none.
func (h *Header) prevSnapID(id uint64) uint64 {
	var prev uint64
	for i := range h.Snaps {
		if h.Snaps[i].ID < id && h.Snaps[i].ID > prev {
			prev = h.Snaps[i].ID
		}
	}

	return prev
}

// FeatureString renders the feature bits the way info output shows them.
func FeatureString(features uint64) string {
	var s []string
	if features&FeatureLayering != 0 {
		s = append(s, "layering")
	}
	if features&FeatureStripingV2 != 0 {
		s = append(s, "striping")
	}

	return strings.Join(s, ", ")
}

// checkOrder validates the object size exponent. Zero stands for the default
// and is substituted by the caller.
func checkOrder(order int) error {
	if order != 0 && (order < minOrder || order > maxOrder) {
		return fmt.Errorf("order must be between 12 (4 KB) and 25 (32 MB): %w", errdefs.ErrInvalidArgument)
	}

	return nil
}

// checkStripe validates the striping pair against the object size.
func checkStripe(order int, stripeUnit, stripeCount int64) error {
	if (stripeUnit != 0) != (stripeCount != 0) {
		return fmt.Errorf("must specify both (or neither) of stripe-unit and stripe-count: %w", errdefs.ErrInvalidArgument)
	}

	if stripeUnit == 0 {
		return nil
	}

	if stripeUnit < 0 || stripeCount < 0 {
		return fmt.Errorf("stripe-unit and stripe-count must be positive: %w", errdefs.ErrInvalidArgument)
	}

	objSize := int64(1) << order
	if stripeUnit > objSize || objSize%stripeUnit != 0 {
		return fmt.Errorf("stripe unit must evenly divide the object size: %w", errdefs.ErrInvalidArgument)
	}

	return nil
}

// checkName rejects image names that cannot be object name components.
func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, "/@") {
		return fmt.Errorf("invalid image name %q: %w", name, errdefs.ErrInvalidArgument)
	}

	return nil
}
