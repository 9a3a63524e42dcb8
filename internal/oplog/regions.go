package oplog

import (
	"github.com/RoaringBitmap/roaring/roaring64"
)

// Regions is the set of indexes replay must step over: the targets of Jump
// and Revert entries and regions discarded at runtime (unclosed atomic
// regions, retried transactions).
type Regions struct {
	bm *roaring64.Bitmap
}

// NewRegions creates an empty set.
func NewRegions() *Regions {
	return &Regions{bm: roaring64.New()}
}

// Add marks every index of r as skipped.
func (s *Regions) Add(r Region) {
	if r.End < r.Start {
		return
	}
	s.bm.AddRange(uint64(r.Start), uint64(r.End)+1)
}

// Contains reports whether idx is skipped.
func (s *Regions) Contains(idx Index) bool {
	return s.bm.Contains(uint64(idx))
}

// NextNotSkipped returns idx, or the first index after the skipped run
// containing idx.
func (s *Regions) NextNotSkipped(idx Index) Index {
	for s.bm.Contains(uint64(idx)) {
		idx++
	}
	return idx
}

// Count returns the number of skipped indexes.
func (s *Regions) Count() uint64 {
	return s.bm.GetCardinality()
}

// List returns the skipped indexes as maximal contiguous regions.
func (s *Regions) List() []Region {
	var out []Region
	it := s.bm.Iterator()
	for it.HasNext() {
		v := Index(it.Next())
		if n := len(out); n > 0 && out[n-1].End.Next() == v {
			out[n-1].End = v
			continue
		}
		out = append(out, Region{Start: v, End: v})
	}
	return out
}

// Clone returns an independent copy.
func (s *Regions) Clone() *Regions {
	return &Regions{bm: s.bm.Clone()}
}

// RegionsOf collects the skipped regions declared by Jump and Revert entries.
func RegionsOf(entries []Record) *Regions {
	regions := NewRegions()
	for _, r := range entries {
		switch e := r.Entry.(type) {
		case *Jump:
			regions.Add(e.Jump)
		case *Revert:
			regions.Add(e.DroppedRegion)
		}
	}
	return regions
}
