package control

import "time"

const maxBackoff = 30 * time.Second

// Backoff computes exponential backoff with a fixed cap for consecutive
// failed polls. attempt is 1-based.
func Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		return maxBackoff
	}
	d := time.Second << (attempt - 1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
