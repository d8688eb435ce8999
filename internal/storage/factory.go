package storage

import (
	"fmt"
	"time"

	"derpme/internal/config"
	"derpme/internal/logging"
)

// NewBackend builds the backend of one tier from its configuration. The
// persistent tier is always wrapped in a CheckpointedBackend.
func NewBackend(tier Tier, cfg config.TierConfig, listSize int, logger *logging.Logger) (Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		if tier == Persistent {
			return nil, fmt.Errorf("the memory driver cannot serve the persistent tier")
		}
		return NewMemoryBackend(listSize), nil

	case config.DriverRedis:
		backend, err := NewRedisBackend(RedisOptions{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
			ListSize: listSize,
		})
		if err != nil {
			return nil, err
		}
		if tier == Persistent {
			return NewCheckpointedBackend(backend, logger), nil
		}
		return backend, nil

	case config.DriverBadger:
		opts := BadgerOptions{
			ListSize: listSize,
			InMemory: tier == Volatile,
		}
		if tier == Persistent {
			opts.DataPath = cfg.DataPath
			opts.SyncWrites = cfg.SyncWrites
			opts.ValueLogGC = true
			opts.GCInterval = 5 * time.Minute
		}
		backend, err := NewBadgerBackend(opts)
		if err != nil {
			return nil, err
		}
		if tier == Persistent {
			return NewCheckpointedBackend(backend, logger), nil
		}
		return backend, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q for %s tier", cfg.Driver, tier)
	}
}
