package georide

import (
	"math"
	"sync/atomic"
)

// PrecisionFilter drops positions whose accuracy radius is above a limit. A limit of 0 accepts everything.
// The limit can be changed while the filter is in use.
type PrecisionFilter struct {
	bits atomic.Uint64
}

// NewPrecisionFilter creates a filter with the given limit in metres.
func NewPrecisionFilter(maxRadius float64) *PrecisionFilter {
	f := &PrecisionFilter{}
	f.SetMaxRadius(maxRadius)
	return f
}

func (f *PrecisionFilter) SetMaxRadius(m float64) {
	f.bits.Store(math.Float64bits(m))
}

func (f *PrecisionFilter) MaxRadius() float64 {
	return math.Float64frombits(f.bits.Load())
}

// Accept reports whether a fix with the given radius passes.
func (f *PrecisionFilter) Accept(radius float64) bool {
	limit := f.MaxRadius()
	return limit <= 0 || radius <= limit
}

// Filter returns the accepted positions, reusing the backing array.
func (f *PrecisionFilter) Filter(positions []Position) []Position {
	out := positions[:0]
	for _, p := range positions {
		if f.Accept(p.Radius) {
			out = append(out, p)
		}
	}
	return out
}
