package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestIsServiceInterruption(t *testing.T) {
	si := NewServiceInterruption("indexer down", 30*time.Second)
	if !IsServiceInterruption(si) {
		t.Error("direct value not detected")
	}
	wrapped := fmt.Errorf("delivering document: %w", si)
	if !IsServiceInterruption(wrapped) {
		t.Error("wrapped value not detected")
	}
	if IsServiceInterruption(fmt.Errorf("plain failure")) {
		t.Error("plain error misclassified")
	}
}

func TestRetryAfter(t *testing.T) {
	si := NewServiceInterruption("down", 42*time.Second)
	if got := RetryAfter(fmt.Errorf("x: %w", si)); got != 42*time.Second {
		t.Errorf("RetryAfter = %v", got)
	}
	if got := RetryAfter(fmt.Errorf("x")); got != 0 {
		t.Errorf("RetryAfter on plain error = %v", got)
	}
}

func TestConnectorAbsent(t *testing.T) {
	err := ConnectorAbsent("output")
	if !IsServiceInterruption(err) {
		t.Error("absent connector must be a service interruption")
	}
	if err.RetryAfter != 0 {
		t.Errorf("retry hint = %v, want immediate", err.RetryAfter)
	}
}
