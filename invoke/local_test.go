package invoke

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocalInvoke(t *testing.T) {
	local := NewLocal()
	local.Register("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	})

	t.Run("sync returns response", func(t *testing.T) {
		resp, err := local.Invoke(context.Background(), "echo", []byte("hi"))
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if string(resp) != "echo:hi" {
			t.Errorf("expected echo:hi, got %s", resp)
		}
	})

	t.Run("unknown function", func(t *testing.T) {
		if _, err := local.Invoke(context.Background(), "missing", nil); !errors.Is(err, ErrFunctionNotFound) {
			t.Errorf("expected ErrFunctionNotFound, got %v", err)
		}
		if err := local.InvokeAsync(context.Background(), "missing", nil); !errors.Is(err, ErrFunctionNotFound) {
			t.Errorf("expected ErrFunctionNotFound, got %v", err)
		}
	})
}

func TestLocalInvokeAsync(t *testing.T) {
	local := NewLocal()

	var calls atomic.Int32
	release := make(chan struct{})
	local.Register("slow", func(ctx context.Context, _ []byte) ([]byte, error) {
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		calls.Add(1)
		return nil, nil
	})
	local.Register("failing", func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := local.InvokeAsync(ctx, "slow", nil); err != nil {
		t.Fatalf("InvokeAsync failed: %v", err)
	}
	if err := local.InvokeAsync(ctx, "failing", nil); err != nil {
		t.Fatalf("function errors must not reach the caller: %v", err)
	}

	// Cancelling the caller must not cancel the detached invocation.
	cancel()
	close(release)
	local.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected 1 completed call, got %d", calls.Load())
	}
}

func TestLocalNestedAsync(t *testing.T) {
	local := NewLocal()

	var leaves atomic.Int32
	local.Register("leaf", func(context.Context, []byte) ([]byte, error) {
		leaves.Add(1)
		return nil, nil
	})
	local.Register("fanout", func(ctx context.Context, _ []byte) ([]byte, error) {
		for n := 0; n < 3; n++ {
			if err := local.InvokeAsync(ctx, "leaf", nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	if err := local.InvokeAsync(context.Background(), "fanout", nil); err != nil {
		t.Fatalf("InvokeAsync failed: %v", err)
	}
	local.Wait()

	if leaves.Load() != 3 {
		t.Errorf("expected 3 leaf calls, got %d", leaves.Load())
	}
}

func TestLocalClose(t *testing.T) {
	local := NewLocal()
	block := make(chan struct{})
	local.Register("block", func(context.Context, []byte) ([]byte, error) {
		<-block
		return nil, nil
	})

	if err := local.InvokeAsync(context.Background(), "block", nil); err != nil {
		t.Fatalf("InvokeAsync failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := local.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while call in flight, got %v", err)
	}

	if _, err := local.Invoke(context.Background(), "block", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}

	close(block)
	if err := local.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder([]byte("ok"))
	rec.FailWith("down", errors.New("unavailable"))

	if resp, err := rec.Invoke(context.Background(), "up", []byte("a")); err != nil || string(resp) != "ok" {
		t.Errorf("unexpected result %q, %v", resp, err)
	}
	if err := rec.InvokeAsync(context.Background(), "down", []byte("b")); err == nil {
		t.Error("expected injected failure")
	}

	calls := rec.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Async || !calls[1].Async {
		t.Errorf("unexpected async flags: %+v", calls)
	}
	if len(rec.CallsTo("down")) != 1 {
		t.Errorf("expected 1 call to down")
	}

	rec.Reset()
	if len(rec.Calls()) != 0 {
		t.Error("expected no calls after Reset")
	}
}
