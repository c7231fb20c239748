package aggregator

import "fmt"

// Category distinguishes the fatal-error classes named in spec §7.
// Silent fast-returns (world size 1, no prior async work) are not errors
// at all and never produce a FatalError.
type Category int32

const (
	// LogicError covers programmer bugs: a sparse gradient handed in, a
	// shadow-table size mismatch, reset attempted while an async task is
	// pending, or the transport selector reaching its unreachable branch.
	LogicError Category = iota
	// TransportError covers an MPI or NCCL collective reporting failure.
	// No retry is attempted: a partially-completed collective implies an
	// inconsistent cluster state that would silently diverge models.
	TransportError
)

func (c Category) String() string {
	switch c {
	case LogicError:
		return "logic error"
	case TransportError:
		return "transport error"
	default:
		return "unknown error"
	}
}

// FatalError is returned by Controller.Aggregate and the auxiliary
// distributed operations for both fatal categories in spec §7. Library
// code always returns it rather than terminating the process; only
// cmd/kungfu-agg-bench decides to call assert.OK/utils.ExitErr on it.
type FatalError struct {
	Category Category
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("aggregator: %s: %v", e.Category, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func logicErrorf(format string, args ...interface{}) *FatalError {
	return &FatalError{Category: LogicError, Err: fmt.Errorf(format, args...)}
}

func transportErrorf(format string, args ...interface{}) *FatalError {
	return &FatalError{Category: TransportError, Err: fmt.Errorf(format, args...)}
}

func wrapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Category: TransportError, Err: err}
}
