// ABOUTME: Frame and wall-clock conversions for the audio thread
// ABOUTME: Sleep intervals are computed in frames and converted at the device rate
package engine

import "time"

// FramesToDuration converts a frame count at rate into a duration
func FramesToDuration(frames, rate int) time.Duration {
	if rate <= 0 || frames <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}
