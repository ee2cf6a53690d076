// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sparse

const (
	// DefaultMergeSize stops run coalescing once a run has grown this
	// large. DefaultChunkSize is the read and write granularity when a
	// run is consumed. Both are tunable through the configuration; the
	// defaults keep call overhead low without holding large buffers.
	DefaultMergeSize = 32 << 20
	DefaultChunkSize = 4 << 20
)

// Run is a coalesced sequence of offset contiguous extents, imported as one
// unit.
type Run struct {
	Offset int64
	Length int64
}

// Planner turns an extent list into runs. Extents are merged into the
// current run while it is still shorter than the merge threshold and the
// next extent continues exactly where the run ends; a merge may overshoot
// the threshold, an oversized single extent stays one run. Runs come out
// lazily in ascending offset order, and a reset planner yields the same
// runs again.
type Planner struct {
	extents []Extent
	merge   int64
	pos     int
}

// NewPlanner plans runs over extents with the given merge threshold, zero
// or negative for the default.
func NewPlanner(extents []Extent, merge int64) *Planner {
	if merge <= 0 {
		merge = DefaultMergeSize
	}

	return &Planner{extents: extents, merge: merge}
}

// Next returns the next run. ok is false once the extents are exhausted.
func (p *Planner) Next() (r Run, ok bool) {
	if p.pos >= len(p.extents) {
		return Run{}, false
	}

	e := p.extents[p.pos]
	p.pos++
	r = Run{Offset: e.Offset, Length: e.Length}

	for p.pos < len(p.extents) {
		n := p.extents[p.pos]
		if r.Length >= p.merge || n.Offset != r.Offset+r.Length {
			break
		}
		r.Length += n.Length
		p.pos++
	}

	return r, true
}

// Reset restarts the planner from the first extent.
func (p *Planner) Reset() {
	p.pos = 0
}
