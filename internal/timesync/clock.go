// Package timesync maps sender-clock timestamps onto the local monotonic
// timeline and estimates per-session network conditions. The estimator and
// the sync engine live together because they share the same clock
// assumptions: sender timestamps are an independent monotonic scale, local
// deadlines come from a monotonic source, and wall time is for logs only.
package timesync

import "time"

// Clock returns the current local time in milliseconds on a monotonic scale.
// Tests substitute a manual implementation.
type Clock func() int64

// Monotonic returns a Clock anchored at the moment of the call. Values are
// milliseconds elapsed since that anchor and are immune to wall-clock steps.
func Monotonic() Clock {
	base := time.Now()
	return func() int64 {
		return time.Since(base).Milliseconds()
	}
}
