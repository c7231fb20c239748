package header

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// field numbers for the out-of-band snapshot encoding. This is deliberately
// hand-rolled with protowire rather than a generated .pb.go: the snapshot
// is a diagnostic side-channel (cmd/kungfu-agg-bench logs the final
// aggregated header's snapshot after a run), never the collective wire
// payload, which stays the raw flat layout MarshalBinary produces.
const (
	fieldNumSamples          = 1
	fieldNumSamplesWithLabel = 2
	fieldCriterion           = 3
	fieldEvalError           = 4
	fieldEvalErrorValue      = 1
	fieldEvalErrorCount      = 2
)

// Snapshot encodes h as a protobuf-wire-format byte string suitable for
// archiving alongside a checkpoint. It is not used for rank-to-rank
// exchange.
func (h *Header) Snapshot() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldNumSamples, protowire.VarintType)
	b = protowire.AppendVarint(b, h.NumSamples)
	b = protowire.AppendTag(b, fieldNumSamplesWithLabel, protowire.VarintType)
	b = protowire.AppendVarint(b, h.NumSamplesWithLabel)
	b = protowire.AppendTag(b, fieldCriterion, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(h.Criterion))
	for _, e := range h.EvalErrors {
		var eb []byte
		eb = protowire.AppendTag(eb, fieldEvalErrorValue, protowire.Fixed64Type)
		eb = protowire.AppendFixed64(eb, math.Float64bits(e.Value))
		eb = protowire.AppendTag(eb, fieldEvalErrorCount, protowire.VarintType)
		eb = protowire.AppendVarint(eb, e.Count)
		b = protowire.AppendTag(b, fieldEvalError, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

// DecodeSnapshot parses bytes produced by Snapshot back into a Header. The
// number of eval nodes is recovered from however many field-4 entries are
// present, in encounter order.
func DecodeSnapshot(b []byte) (*Header, error) {
	h := &Header{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldNumSamples:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.NumSamples = v
			b = b[n:]
		case fieldNumSamplesWithLabel:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.NumSamplesWithLabel = v
			b = b[n:]
		case fieldCriterion:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.Criterion = math.Float64frombits(v)
			b = b[n:]
		case fieldEvalError:
			eb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			var e EvalError
			for len(eb) > 0 {
				enum, etyp, en := protowire.ConsumeTag(eb)
				if en < 0 {
					return nil, protowire.ParseError(en)
				}
				eb = eb[en:]
				switch enum {
				case fieldEvalErrorValue:
					v, en := protowire.ConsumeFixed64(eb)
					if en < 0 {
						return nil, protowire.ParseError(en)
					}
					e.Value = math.Float64frombits(v)
					eb = eb[en:]
				case fieldEvalErrorCount:
					v, en := protowire.ConsumeVarint(eb)
					if en < 0 {
						return nil, protowire.ParseError(en)
					}
					e.Count = v
					eb = eb[en:]
				default:
					en := protowire.ConsumeFieldValue(enum, etyp, eb)
					if en < 0 {
						return nil, protowire.ParseError(en)
					}
					eb = eb[en:]
				}
			}
			h.EvalErrors = append(h.EvalErrors, e)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return h, nil
}
