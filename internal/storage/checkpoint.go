package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"derpme/internal/logging"
)

const checkpointTimeout = 30 * time.Second

// CheckpointingBackend is a backend able to take durability checkpoints.
type CheckpointingBackend interface {
	Backend
	Checkpointer
}

// CheckpointedBackend turns a backend into a persistent tier: every
// successful mutation asynchronously requests a checkpoint. Requests made
// while one is pending are coalesced. Checkpoint failures are logged and
// never reach the caller.
type CheckpointedBackend struct {
	Backend
	checkpointer Checkpointer
	logger       *logging.Logger

	requests chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	completed atomic.Int64
	coalesced atomic.Int64
	failed    atomic.Int64
}

func NewCheckpointedBackend(backend CheckpointingBackend, logger *logging.Logger) *CheckpointedBackend {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	c := &CheckpointedBackend{
		Backend:      backend,
		checkpointer: backend,
		logger:       logger.WithField("component", "checkpoint"),
		requests:     make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	c.wg.Add(1)
	go c.run()
	return c
}

func (c *CheckpointedBackend) Set(ctx context.Context, key, value string) error {
	return c.mutated(c.Backend.Set(ctx, key, value))
}

func (c *CheckpointedBackend) MSet(ctx context.Context, items []KeyValue) error {
	return c.mutated(c.Backend.MSet(ctx, items))
}

func (c *CheckpointedBackend) LPushTrim(ctx context.Context, key string, values []string) error {
	return c.mutated(c.Backend.LPushTrim(ctx, key, values))
}

func (c *CheckpointedBackend) FlushAll(ctx context.Context) error {
	return c.mutated(c.Backend.FlushAll(ctx))
}

func (c *CheckpointedBackend) Stats() map[string]interface{} {
	stats := c.Backend.Stats()
	stats["checkpoints_completed"] = c.completed.Load()
	stats["checkpoints_coalesced"] = c.coalesced.Load()
	stats["checkpoints_failed"] = c.failed.Load()
	return stats
}

// Close waits for an in-flight checkpoint, then closes the wrapped backend.
func (c *CheckpointedBackend) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return c.Backend.Close()
}

func (c *CheckpointedBackend) mutated(err error) error {
	if err == nil {
		c.RequestCheckpoint()
	}
	return err
}

// RequestCheckpoint schedules a checkpoint without waiting for it.
func (c *CheckpointedBackend) RequestCheckpoint() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

func (c *CheckpointedBackend) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.requests:
			ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
			start := time.Now()
			err := c.checkpointer.Checkpoint(ctx)
			cancel()

			if errors.Is(err, ErrCheckpointInProgress) {
				c.coalesced.Add(1)
				c.logger.Debug("Checkpoint already running", "error", err.Error())
				continue
			}
			if err != nil {
				c.failed.Add(1)
				c.logger.Warn("Checkpoint failed", "error", err.Error())
				continue
			}
			c.completed.Add(1)
			c.logger.Debug("Checkpoint completed", "duration_ms", time.Since(start).Milliseconds())
		}
	}
}
