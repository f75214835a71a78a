package pipeline

import "time"

// MaxRetryDelay caps the retry backoff.
const MaxRetryDelay = time.Hour

// RetryDelay returns the linear backoff for a stage retry:
//
//	min(max(baseDelay, stageDelay, 1s) * max(attempt, 1), 1h)
//
// Inputs are whole seconds. The result never decreases as attempt grows.
func RetryDelay(baseDelaySeconds, stageDelaySeconds, attempt int) time.Duration {
	const capSeconds = int64(MaxRetryDelay / time.Second)

	delay := max(int64(baseDelaySeconds), int64(stageDelaySeconds), 1)
	if delay >= capSeconds {
		return MaxRetryDelay
	}
	multiplier := max(int64(attempt), 1)
	if multiplier >= capSeconds {
		return MaxRetryDelay
	}
	total := delay * multiplier
	if total > capSeconds {
		total = capSeconds
	}
	return time.Duration(total) * time.Second
}
