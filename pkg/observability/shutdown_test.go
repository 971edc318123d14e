package observability

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"
)

// triggerShutdown runs WaitForShutdown in the background and delivers a
// SIGTERM to the test process once the handler is installed.
func triggerShutdown(t *testing.T, sm *ShutdownManager) error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- sm.WaitForShutdown() }()
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send signal: %v", err)
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
		return nil
	}
}

func TestShutdownDefaultTimeout(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, nil, 0)
	if sm.timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", sm.timeout)
	}
}

func TestShutdownRunsStepsInReverseOrder(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, nil, 5*time.Second)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"store", "cache", "scheduler"} {
		name := name
		sm.RegisterShutdownFunc(func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	if err := triggerShutdown(t, sm); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	want := []string{"scheduler", "cache", "store"}
	if len(order) != len(want) {
		t.Fatalf("ran %d steps, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestShutdownCollectsStepErrors(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, nil, 5*time.Second)

	flushErr := errors.New("counter flush failed")
	var ran bool
	sm.RegisterShutdownFunc(func(context.Context) error {
		ran = true
		return nil
	})
	sm.RegisterShutdownFunc(func(context.Context) error { return flushErr })

	err := triggerShutdown(t, sm)
	if !errors.Is(err, flushErr) {
		t.Errorf("error = %v, want wrapped %v", err, flushErr)
	}
	if !ran {
		t.Error("a failing step must not skip the remaining steps")
	}
}

func TestShutdownWithoutServerOrSteps(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, nil, time.Second)

	if err := triggerShutdown(t, sm); err != nil {
		t.Errorf("bare shutdown: %v", err)
	}
}
