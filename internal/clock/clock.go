// Package clock provides the single monotonic clock domain shared by both
// Camera Sources, so timestamps from "left" and "right" are directly
// comparable (§4.1's timestamping contract).
package clock

import "time"

var processStart = time.Now()

// NowNs returns nanoseconds elapsed since process start, using Go's
// monotonic clock reading (time.Since retains the monotonic component),
// strictly increasing across calls on any platform.
func NowNs() int64 {
	return time.Since(processStart).Nanoseconds()
}
