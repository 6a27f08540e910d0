package resilience

import "fmt"

// RateLimitError marks a provider 429 so callers can back off instead of
// retrying immediately.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}
