package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"derpme/internal/testutil"
)

// fakeCheckpointer counts checkpoints taken on top of a memory backend.
type fakeCheckpointer struct {
	*MemoryBackend
	calls atomic.Int64
	fail  atomic.Bool
	busy  atomic.Bool
}

func (f *fakeCheckpointer) Checkpoint(ctx context.Context) error {
	f.calls.Add(1)
	if f.busy.Load() {
		return checkpointError(errors.New("ERR Background save already in progress"))
	}
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return nil
}

func TestCheckpointedBackend_CheckpointsAfterMutation(t *testing.T) {
	inner := &fakeCheckpointer{MemoryBackend: NewMemoryBackend(10)}
	backend := NewCheckpointedBackend(inner, nil)
	defer backend.Close()

	ctx := context.Background()
	if err := backend.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	testutil.WaitForCondition(t, func() bool { return inner.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	stats := backend.Stats()
	if stats["checkpoints_completed"].(int64) < 1 {
		t.Errorf("Expected a completed checkpoint in stats, got %v", stats["checkpoints_completed"])
	}
}

func TestCheckpointedBackend_ReadsDoNotCheckpoint(t *testing.T) {
	inner := &fakeCheckpointer{MemoryBackend: NewMemoryBackend(10)}
	backend := NewCheckpointedBackend(inner, nil)
	defer backend.Close()

	ctx := context.Background()
	backend.Get(ctx, "k")
	backend.MGet(ctx, []string{"a", "b"})
	backend.LRange(ctx, "l", 0, -1)
	backend.LLen(ctx, "l")

	time.Sleep(50 * time.Millisecond)
	if calls := inner.calls.Load(); calls != 0 {
		t.Errorf("Expected no checkpoints for reads, got %d", calls)
	}
}

func TestCheckpointedBackend_FailedMutationDoesNotCheckpoint(t *testing.T) {
	inner := &fakeCheckpointer{MemoryBackend: NewMemoryBackend(10)}
	backend := NewCheckpointedBackend(inner, nil)
	defer backend.Close()

	ctx := context.Background()
	backend.Set(ctx, "scalar", "v")
	testutil.WaitForCondition(t, func() bool { return inner.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	if err := backend.LPushTrim(ctx, "scalar", []string{"x"}); !errors.Is(err, ErrWrongType) {
		t.Fatalf("Expected ErrWrongType, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := inner.calls.Load(); calls != 1 {
		t.Errorf("Expected 1 checkpoint, got %d", calls)
	}
}

func TestCheckpointedBackend_FailureIsNotReturned(t *testing.T) {
	inner := &fakeCheckpointer{MemoryBackend: NewMemoryBackend(10)}
	inner.fail.Store(true)
	backend := NewCheckpointedBackend(inner, nil)
	defer backend.Close()

	if err := backend.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Checkpoint failure must not fail the write: %v", err)
	}

	testutil.WaitForCondition(t, func() bool {
		return backend.Stats()["checkpoints_failed"].(int64) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCheckpointedBackend_CoalescesRequests(t *testing.T) {
	inner := &fakeCheckpointer{MemoryBackend: NewMemoryBackend(10)}
	backend := NewCheckpointedBackend(inner, nil)
	defer backend.Close()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		backend.Set(ctx, "k", "v")
	}

	testutil.WaitForCondition(t, func() bool { return inner.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	if calls := inner.calls.Load(); calls > 100 {
		t.Errorf("Expected at most one checkpoint per write, got %d", calls)
	}
}

func TestCheckpointedBackend_CloseIsIdempotent(t *testing.T) {
	inner := &fakeCheckpointer{MemoryBackend: NewMemoryBackend(10)}
	backend := NewCheckpointedBackend(inner, nil)

	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestCheckpointedBackend_InProgressIsCoalesced(t *testing.T) {
	inner := &fakeCheckpointer{MemoryBackend: NewMemoryBackend(10)}
	inner.busy.Store(true)
	backend := NewCheckpointedBackend(inner, nil)
	defer backend.Close()

	if err := backend.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	testutil.WaitForCondition(t, func() bool {
		return backend.Stats()["checkpoints_coalesced"].(int64) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	if failed := backend.Stats()["checkpoints_failed"].(int64); failed != 0 {
		t.Errorf("Expected no failed checkpoints, got %d", failed)
	}
}

func TestCheckpointError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		inProgress bool
	}{
		{"nil", nil, false},
		{"bgsave running", errors.New("ERR Background save already in progress"), true},
		{"aof rewrite running", errors.New("ERR Background append only file rewriting already in progress"), true},
		{"other", errors.New("ERR unknown command"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkpointError(tt.err)
			if got := errors.Is(err, ErrCheckpointInProgress); got != tt.inProgress {
				t.Errorf("errors.Is(%v, ErrCheckpointInProgress) = %v, want %v", err, got, tt.inProgress)
			}
			if tt.err == nil && err != nil {
				t.Errorf("Expected nil, got %v", err)
			}
		})
	}
}
