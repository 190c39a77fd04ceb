package page

import "time"

// wallClockUnixSeconds returns the current wall-clock Unix second, used
// for the "ts" field. spec.md §9 Open Question: a stream PTS is available
// from the slicer but wall-clock is what the reference implementation
// observably emits, so that is what this preserves.
func wallClockUnixSeconds() int64 {
	return time.Now().Unix()
}
