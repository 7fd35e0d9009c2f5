package service

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a topic's submission window is full
var ErrRateLimitExceeded = errors.New("submission rate limit exceeded")

// RateLimiter bounds job submissions per topic over a fixed one-minute
// window. A limit of zero or less disables limiting.
type RateLimiter struct {
	mu sync.Mutex

	maxSubmissionsPerMinute int
	submissionWindows       map[string]*submissionWindow
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxSubmissionsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxSubmissionsPerMinute: maxSubmissionsPerMinute,
		submissionWindows:       make(map[string]*submissionWindow),
	}
}

// AllowSubmission checks whether a topic can accept another submission,
// counting it when allowed
func (rl *RateLimiter) AllowSubmission(topic string) error {
	if rl.maxSubmissionsPerMinute <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	window, exists := rl.submissionWindows[topic]

	if !exists || now.After(window.windowEnd) {
		rl.submissionWindows[topic] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(1 * time.Minute),
		}
		return nil
	}

	if window.count >= rl.maxSubmissionsPerMinute {
		return ErrRateLimitExceeded
	}

	window.count++
	return nil
}
