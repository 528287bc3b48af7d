package delivery

import "time"

// Backoff computes the retry delay after the given number of failed
// attempts: base * 2^(attempts-1), capped at max. A retry hint from the
// provider raises the delay but never past max.
func Backoff(base, max time.Duration, attempts int, hint time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if max <= 0 {
		max = 30 * time.Minute
	}
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if hint > d {
		d = hint
	}
	if d > max {
		d = max
	}
	return d
}
