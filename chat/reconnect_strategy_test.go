package chat

import (
	"testing"
	"time"
)

func TestFixedDelayStrategy(t *testing.T) {
	strategy := NewFixedDelayStrategy(5 * time.Second)
	for i := 0; i < 3; i++ {
		if got := strategy.ConnectWaitDuration(); got != 5*time.Second {
			t.Fatalf("attempt %d: expected 5s, got %v", i, got)
		}
	}
	strategy.Reset()
	if got := strategy.ConnectWaitDuration(); got != 5*time.Second {
		t.Fatalf("after reset: expected 5s, got %v", got)
	}
}

func TestFixedDelayStrategyNegativeDelay(t *testing.T) {
	strategy := NewFixedDelayStrategy(-time.Second)
	if got := strategy.ConnectWaitDuration(); got != 0 {
		t.Fatalf("negative delay should clamp to zero, got %v", got)
	}
}

func TestExponentialDelayStrategyGrowsAndCaps(t *testing.T) {
	strategy := NewExponentialDelayStrategy(100*time.Millisecond, time.Second, 2)

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, want := range expected {
		if got := strategy.ConnectWaitDuration(); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestExponentialDelayStrategyReset(t *testing.T) {
	strategy := NewExponentialDelayStrategy(100*time.Millisecond, time.Second, 2)
	strategy.ConnectWaitDuration()
	strategy.ConnectWaitDuration()
	strategy.Reset()

	if got := strategy.ConnectWaitDuration(); got != 100*time.Millisecond {
		t.Fatalf("after reset: expected base delay, got %v", got)
	}
}
