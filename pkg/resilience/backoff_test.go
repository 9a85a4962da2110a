package resilience

import (
	"context"
	"testing"
	"time"
)

func TestBackoffBounds(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 80 * time.Millisecond}
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 100; i++ {
			d := b.Next(attempt)
			if d < b.Min || d > b.Max {
				t.Fatalf("attempt %d produced %v outside [%v, %v]", attempt, d, b.Min, b.Max)
			}
		}
	}
}

func TestBackoffGrows(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: time.Second}
	// The ceiling for attempt 5 is Min<<5; at least some samples should land
	// above the attempt-0 ceiling.
	saw := false
	for i := 0; i < 200; i++ {
		if b.Next(5) > b.Min {
			saw = true
			break
		}
	}
	if !saw {
		t.Error("late attempts never backed off longer than the minimum")
	}
}

func TestBackoffZeroValues(t *testing.T) {
	var b Backoff
	if d := b.Next(0); d <= 0 {
		t.Errorf("zero-value backoff produced %v", d)
	}
}

func TestBackoffSleepCancelled(t *testing.T) {
	b := Backoff{Min: time.Minute, Max: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Sleep(ctx, 0); err == nil {
		t.Error("cancelled sleep returned nil")
	}
}
