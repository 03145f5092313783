package job

import "time"

// backoffLadder holds the retry delays indexed by attempt number. Attempts
// past the end of the ladder keep reusing the last entry.
var backoffLadder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// DelayFor returns the delay to wait before retry attempt n (1-indexed).
func DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffLadder) {
		attempt = len(backoffLadder)
	}
	return backoffLadder[attempt-1]
}
