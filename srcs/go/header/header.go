// Package header implements the per-iteration statistics header the
// aggregator combines alongside gradients: sample counts, criterion, and
// per-eval-node error counters.
package header

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EvalError is one (value, count) pair tracked per evaluation node.
type EvalError struct {
	Value float64
	Count uint64
}

// Header is the fixed-layout struct exchanged between ranks. Its
// serialized size is a function of len(EvalErrors), fixed at construction.
type Header struct {
	NumSamples          uint64
	NumSamplesWithLabel uint64
	Criterion           float64
	EvalErrors          []EvalError
}

// New allocates a zeroed header with the given number of eval nodes.
func New(numEvalNodes uint32) *Header {
	return &Header{EvalErrors: make([]EvalError, numEvalNodes)}
}

func (h *Header) NumEvalNodes() uint32 { return uint32(len(h.EvalErrors)) }

// Reset zeroes all numeric fields in place, keeping NumEvalNodes fixed.
func (h *Header) Reset() {
	h.NumSamples = 0
	h.NumSamplesWithLabel = 0
	h.Criterion = 0
	for i := range h.EvalErrors {
		h.EvalErrors[i] = EvalError{}
	}
}

// Aggregate combines other into h elementwise by addition over every
// numeric field. If resetOther is set, other is zeroed after folding.
func (h *Header) Aggregate(other *Header, resetOther bool) error {
	if len(h.EvalErrors) != len(other.EvalErrors) {
		return fmt.Errorf("header: eval node count mismatch: %d vs %d", len(h.EvalErrors), len(other.EvalErrors))
	}
	h.NumSamples += other.NumSamples
	h.NumSamplesWithLabel += other.NumSamplesWithLabel
	h.Criterion += other.Criterion
	for i := range h.EvalErrors {
		h.EvalErrors[i].Value += other.EvalErrors[i].Value
		h.EvalErrors[i].Count += other.EvalErrors[i].Count
	}
	if resetOther {
		other.Reset()
	}
	return nil
}

// SwapWith exchanges contents with other in place, used by the async
// double buffer to rotate the shadow header the same way gradient storage
// is rotated (see package shadow).
func (h *Header) SwapWith(other *Header) error {
	if len(h.EvalErrors) != len(other.EvalErrors) {
		return fmt.Errorf("header: SwapWith eval node count mismatch: %d vs %d", len(h.EvalErrors), len(other.EvalErrors))
	}
	*h, *other = *other, *h
	return nil
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	c := New(h.NumEvalNodes())
	c.NumSamples = h.NumSamples
	c.NumSamplesWithLabel = h.NumSamplesWithLabel
	c.Criterion = h.Criterion
	copy(c.EvalErrors, h.EvalErrors)
	return c
}

const fixedFieldsSize = 8 + 8 + 8 + 4 // NumSamples, NumSamplesWithLabel, Criterion, NumEvalNodes
const evalErrorSize = 8 + 8           // Value, Count

// WireSize returns the byte length of the flat encoding of a header with
// numEvalNodes eval-error slots. The receive buffer on the main rank is
// pre-sized from this before any bytes are exchanged.
func WireSize(numEvalNodes uint32) int {
	return fixedFieldsSize + int(numEvalNodes)*evalErrorSize
}

// MarshalBinary encodes h as a flat, fixed-layout byte sequence: the fixed
// fields followed by one (Value, Count) pair per eval node, every field
// little-endian. This is the wire format used for MPI/NCCL transport.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, WireSize(h.NumEvalNodes()))
	binary.LittleEndian.PutUint64(buf[0:8], h.NumSamples)
	binary.LittleEndian.PutUint64(buf[8:16], h.NumSamplesWithLabel)
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(h.Criterion))
	binary.LittleEndian.PutUint32(buf[24:28], h.NumEvalNodes())
	off := fixedFieldsSize
	for _, e := range h.EvalErrors {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(e.Value))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Count)
		off += evalErrorSize
	}
	return buf, nil
}

// UnmarshalBinary decodes a header previously produced by MarshalBinary
// into h, replacing its contents. h's NumEvalNodes must match the encoded
// value; use Decode to allocate a fresh header instead.
func (h *Header) UnmarshalBinary(buf []byte) error {
	d, err := Decode(buf)
	if err != nil {
		return err
	}
	if len(h.EvalErrors) != len(d.EvalErrors) {
		return fmt.Errorf("header: UnmarshalBinary eval node count mismatch: have %d, decoded %d", len(h.EvalErrors), len(d.EvalErrors))
	}
	*h = *d
	return nil
}

// Decode allocates and returns a new Header from its flat byte encoding.
func Decode(buf []byte) (*Header, error) {
	if len(buf) < fixedFieldsSize {
		return nil, fmt.Errorf("header: buffer too short: %d bytes", len(buf))
	}
	numEvalNodes := binary.LittleEndian.Uint32(buf[24:28])
	want := WireSize(numEvalNodes)
	if len(buf) != want {
		return nil, fmt.Errorf("header: buffer size %d does not match expected %d for %d eval nodes", len(buf), want, numEvalNodes)
	}
	h := New(numEvalNodes)
	h.NumSamples = binary.LittleEndian.Uint64(buf[0:8])
	h.NumSamplesWithLabel = binary.LittleEndian.Uint64(buf[8:16])
	h.Criterion = math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24]))
	off := fixedFieldsSize
	for i := range h.EvalErrors {
		h.EvalErrors[i].Value = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
		h.EvalErrors[i].Count = binary.LittleEndian.Uint64(buf[off+8 : off+16])
		off += evalErrorSize
	}
	return h, nil
}
