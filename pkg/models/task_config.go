package models

import "time"

// CacheKeyFunc computes a deterministic fingerprint over a task's identity and
// its concrete argument values. Returning an error fails the run fast instead
// of silently skipping the cache.
type CacheKeyFunc func(taskName string, args []interface{}) (string, error)

// TaskConfig holds the retry, cache and rate-limit policy attached to a task
// definition. The zero value means: a single attempt, no caching, no limit.
type TaskConfig struct {
	MaxAttempts      int            // Total attempts (first try included); values < 1 mean 1
	RetryDelay       time.Duration  // Constant wait between attempts; 0 picks an exponential default
	Timeout          *time.Duration // Per-attempt timeout, nil for none
	CacheKey         CacheKeyFunc   // Fingerprint strategy; nil disables caching
	CacheExpiration  time.Duration  // 0 means cached entries never expire
	Limit            string         // Named rate-limit resource acquired before running ("" for none)
	LimitSlots       int            // Slots requested from the limit; values < 1 mean 1
	ReacquireOnRetry bool           // Re-acquire the limit before every retry attempt, not just the first
}

// Attempts normalizes MaxAttempts.
func (c TaskConfig) Attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

// Slots normalizes LimitSlots.
func (c TaskConfig) Slots() int {
	if c.LimitSlots < 1 {
		return 1
	}
	return c.LimitSlots
}

type TaskOption func(*TaskConfig)

// WithRetries allows n retries on top of the initial attempt.
func WithRetries(n int) TaskOption {
	return func(c *TaskConfig) {
		c.MaxAttempts = n + 1
	}
}

// WithRetryDelay sets a constant wait between attempts.
func WithRetryDelay(d time.Duration) TaskOption {
	return func(c *TaskConfig) {
		c.RetryDelay = d
	}
}

// WithTimeout bounds each attempt's execution time.
func WithTimeout(d time.Duration) TaskOption {
	return func(c *TaskConfig) {
		c.Timeout = &d
	}
}

// WithCachePolicy enables result memoization using the given fingerprint strategy.
func WithCachePolicy(fn CacheKeyFunc) TaskOption {
	return func(c *TaskConfig) {
		c.CacheKey = fn
	}
}

// WithCacheExpiration sets how long cached results stay valid.
func WithCacheExpiration(d time.Duration) TaskOption {
	return func(c *TaskConfig) {
		c.CacheExpiration = d
	}
}

// WithRateLimit gates execution behind the named concurrency-limit resource,
// acquiring slots before the first attempt.
func WithRateLimit(name string, slots int) TaskOption {
	return func(c *TaskConfig) {
		c.Limit = name
		c.LimitSlots = slots
	}
}

// WithReacquireOnRetry makes every retry attempt acquire the rate limit again
// instead of only the first one.
func WithReacquireOnRetry() TaskOption {
	return func(c *TaskConfig) {
		c.ReacquireOnRetry = true
	}
}
