package service

import "time"

// Backoff returns the earliest instant a retry is allowed given the last
// attempt and how many attempts were made. A retry is available when that
// instant is strictly before now.
type Backoff func(lastAttempt time.Time, attemptCount int) time.Time

// maxBackoffShift keeps base<<n from overflowing a Duration.
const maxBackoffShift = 20

// ExponentialBackoff allows grace immediate retries and then doubles the
// wait, starting at base, with each further attempt.
func ExponentialBackoff(base time.Duration, grace int) Backoff {
	return func(lastAttempt time.Time, attemptCount int) time.Time {
		if attemptCount < grace {
			return time.Time{}
		}
		shift := min(attemptCount-grace, maxBackoffShift)
		return lastAttempt.Add(base << shift)
	}
}
