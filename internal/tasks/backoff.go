package tasks

import "time"

// BackoffDelay computes the retry delay before the given attempt using
// capped exponential growth. attempt is 1-based: the delay before retrying
// after the first failure uses attempt=1 and equals baseMs.
//
// Delays are deterministic. Task retries carry no jitter so that the wait
// between attempts is exactly predictable from the policy.
func BackoffDelay(baseMs int64, multiplier float64, capMs int64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if baseMs <= 0 {
		baseMs = 1000
	}
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(baseMs)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if capMs > 0 && delay >= float64(capMs) {
			return time.Duration(capMs) * time.Millisecond
		}
	}
	if capMs > 0 && delay > float64(capMs) {
		delay = float64(capMs)
	}
	return time.Duration(delay) * time.Millisecond
}
