package chat

import (
	"math"
	"sync"
	"time"
)

// ReconnectDelayStrategy decides how long to wait before the next
// reconnection attempt. Reset is called after a successful connection.
type ReconnectDelayStrategy interface {
	ConnectWaitDuration() time.Duration
	Reset()
}

// FixedDelayStrategy waits the same duration before every attempt. This is
// the default: the chat session prefers predictable, bounded retry behavior
// over backoff sophistication.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// ConnectWaitDuration returns the configured delay.
func (strategy *FixedDelayStrategy) ConnectWaitDuration() time.Duration {
	if strategy == nil {
		return 0
	}
	return strategy.Delay
}

// Reset is a no-op for a fixed delay.
func (strategy *FixedDelayStrategy) Reset() {}

// ExponentialDelayStrategy grows the wait by a factor per attempt up to a cap.
type ExponentialDelayStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	attempts  uint32
}

// NewExponentialDelayStrategy returns a new ExponentialDelayStrategy.
func NewExponentialDelayStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64) *ExponentialDelayStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
	}
}

// ConnectWaitDuration returns the next wait and advances the attempt counter.
func (strategy *ExponentialDelayStrategy) ConnectWaitDuration() time.Duration {
	if strategy == nil {
		return 0
	}

	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	attempt := strategy.attempts
	strategy.attempts++

	delay := strategy.BaseDelay
	if attempt > 0 && delay > 0 {
		delayFloat := float64(delay) * math.Pow(strategy.Factor, float64(attempt))
		if delayFloat > float64(strategy.MaxDelay) {
			delayFloat = float64(strategy.MaxDelay)
		}
		delay = time.Duration(delayFloat)
	}
	if delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	return delay
}

// Reset clears the attempt counter.
func (strategy *ExponentialDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
	strategy.lock.Lock()
	strategy.attempts = 0
	strategy.lock.Unlock()
}
