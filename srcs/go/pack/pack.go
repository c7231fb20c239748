// Package pack implements the packed-gradient index set and the
// pack/unpack buffer: small sub-threshold gradients are concatenated
// column-major into one contiguous reduction buffer so that k all-reduces
// collapse into one.
package pack

import "github.com/lsds/gradagg/srcs/go/tensor"

// Position indexes into the standalone-position list. NONE is the
// sentinel meaning "the packed buffer, reduced as standalone element
// zero" -- a tagged value rather than the source's (size_t)-1 cast.
type Position int32

const NONE Position = -1

func (p Position) IsNone() bool { return p == NONE }

const bytesPerElement = 4 // float32

// IndexSet partitions gradient positions 0..N-1 into "packed" and
// "standalone", following spec invariant 2: every position is packed xor
// standalone, and their union is {0,...,N-1} (plus NONE when packing is
// active).
type IndexSet struct {
	PackedPositions     []int
	StandalonePositions []Position
	totalPackedElements int
}

// Classify buckets each gradient by size against thresholdBytes. Packing
// is disabled outright when asyncEnabled is set (spec §4.4 exclusion):
// every position is standalone and no NONE sentinel is added.
func Classify(gradients []tensor.GradientTensor, thresholdBytes int, asyncEnabled bool) *IndexSet {
	set := &IndexSet{}
	if asyncEnabled {
		for i := range gradients {
			set.StandalonePositions = append(set.StandalonePositions, Position(i))
		}
		return set
	}
	for i, g := range gradients {
		size := g.NumElements() * bytesPerElement
		if size <= thresholdBytes {
			set.PackedPositions = append(set.PackedPositions, i)
			set.totalPackedElements += g.NumElements()
		} else {
			set.StandalonePositions = append(set.StandalonePositions, Position(i))
		}
	}
	if len(set.PackedPositions) > 0 {
		set.StandalonePositions = append([]Position{NONE}, set.StandalonePositions...)
	}
	return set
}

func (s *IndexSet) HasPacked() bool { return len(s.PackedPositions) > 0 }

func (s *IndexSet) TotalPackedElements() int { return s.totalPackedElements }

// AllStandalone reports whether every gradient landed in the standalone
// bucket (either packing is disabled, or nothing was small enough).
func (s *IndexSet) AllStandalone() bool { return !s.HasPacked() }
