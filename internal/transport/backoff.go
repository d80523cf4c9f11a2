package transport

import "time"

const (
	// MaxAttempts is how many consecutive reconnects are tried before giving up.
	MaxAttempts = 5

	backoffStep = 2 * time.Second
	backoffMax  = 30 * time.Second
)

// Backoff is the delay before reconnect attempt n (1-based): n*2s, capped at 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * backoffStep
	return min(d, backoffMax)
}
