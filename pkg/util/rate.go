package util

import "time"

// SamplesToDuration is how long n samples last at sampleRate.
func SamplesToDuration(n uint64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n * uint64(time.Second) / uint64(sampleRate))
}

// DurationToSamples is the number of samples spanning d at sampleRate.
func DurationToSamples(d time.Duration, sampleRate int) uint64 {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return uint64(d) * uint64(sampleRate) / uint64(time.Second)
}
