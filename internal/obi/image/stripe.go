// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

// extent is one contiguous piece of a byte range mapped into a backing
// object.
type extent struct {
	objectNo int64
	off      int64
	length   int64
}

// stripeParams returns the effective stripe unit and count. The default is a
// single stripe the size of one object, which degenerates to one object per
// object set.
func (h *Header) stripeParams() (unit, count int64) {
	if h.StripeUnit == 0 {
		return h.ObjectSize(), 1
	}

	return h.StripeUnit, h.StripeCount
}

// extents maps the byte range [off, off+length) into backing object pieces,
// in ascending byte order. Data is striped round robin across count objects
// in units of unit bytes; once every object of the set holds
// objectSize/unit stripes, the next object set begins.
//
// Adjacent pieces landing contiguously in the same object are merged, so
// with default striping a range within one object yields exactly one extent.
func (h *Header) extents(off, length int64) []extent {
	unit, count := h.stripeParams()
	unitsPerObject := h.ObjectSize() / unit

	var out []extent
	for length > 0 {
		blockNo := off / unit
		blockOff := off % unit

		n := unit - blockOff
		if n > length {
			n = length
		}

		stripePos := blockNo % count
		setNo := blockNo / (count * unitsPerObject)
		objectNo := setNo*count + stripePos
		objOff := ((blockNo/count)%unitsPerObject)*unit + blockOff

		if k := len(out) - 1; k >= 0 && out[k].objectNo == objectNo && out[k].off+out[k].length == objOff {
			out[k].length += n
		} else {
			out = append(out, extent{objectNo: objectNo, off: objOff, length: n})
		}

		off += n
		length -= n
	}

	return out
}

// objectFloor returns the lowest image byte offset stored in the given
// object. Every byte the object holds is at or above it.
func (h *Header) objectFloor(objectNo int64) int64 {
	unit, count := h.stripeParams()
	unitsPerObject := h.ObjectSize() / unit

	setNo := objectNo / count
	stripePos := objectNo % count

	return (setNo*unitsPerObject*count + stripePos) * unit
}

// objRange is the inverse of an extent: one contiguous byte range of an
// object together with the image offset it stores.
type objRange struct {
	imageOff int64
	off      int64
	length   int64
}

// objectRanges maps an object back to the image ranges it stores, in
// object offset order with adjacent ranges merged. Without striping this
// is a single range covering the whole object.
func (h *Header) objectRanges(objectNo int64) []objRange {
	unit, count := h.stripeParams()
	unitsPerObject := h.ObjectSize() / unit

	setNo := objectNo / count
	stripePos := objectNo % count

	var out []objRange
	for j := int64(0); j < unitsPerObject; j++ {
		blockNo := (setNo*unitsPerObject+j)*count + stripePos
		r := objRange{imageOff: blockNo * unit, off: j * unit, length: unit}

		if n := len(out); n > 0 &&
			out[n-1].imageOff+out[n-1].length == r.imageOff &&
			out[n-1].off+out[n-1].length == r.off {
			out[n-1].length += r.length
			continue
		}
		out = append(out, r)
	}

	return out
}
