// Package kungfuconfig holds process-wide ambient configuration that is
// not part of the aggregator's own constructor parameters -- currently
// only the debug-log toggle consulted by package log.
package kungfuconfig

import "os"

const ShowDebugLogEnvKey = `KUNGFU_CONFIG_SHOW_DEBUG_LOG`

var ShowDebugLog = false

func init() {
	if val := os.Getenv(ShowDebugLogEnvKey); val == "true" {
		ShowDebugLog = true
	}
}
