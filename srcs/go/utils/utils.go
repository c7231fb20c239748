// Package utils holds the small set of process-level helpers used by
// command-line entry points. Library packages under srcs/go/aggregator,
// srcs/go/pipeline, etc. return errors instead of calling these.
package utils

import (
	"fmt"
	"os"
)

// ExitErr prints err and terminates the process. Only cmd/ mains call this;
// library code returns errors to its caller instead.
func ExitErr(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
