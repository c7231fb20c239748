// Package integrity provides a cheap cross-rank consistency check for
// reduced gradients: a content digest that every rank can compute locally
// and compare, to catch a diverged all-reduce (ranks that do not all hold
// the same reduced values) without shipping the full tensors around again.
package integrity

import (
	"encoding/binary"
	"math"

	"github.com/lsds/gradagg/srcs/go/tensor"
	"golang.org/x/crypto/blake2b"
)

// Digest hashes the concatenated element bytes of tensors, in order. Two
// ranks that computed the same reduction should produce identical
// digests; a mismatch indicates the collective diverged.
func Digest(tensors []tensor.GradientTensor) ([32]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, err
	}
	var buf [4]byte
	for _, t := range tensors {
		for _, v := range t.Data() {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			h.Write(buf[:])
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
