package storage

import (
	"context"
	"errors"
)

// Backend is one tier's key/value store. Implementations must be safe for
// concurrent use.
type Backend interface {
	Set(ctx context.Context, key, value string) error
	// Get reports found=false for an absent key; that is not an error.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// MSet stores items pairwise in one call. Later duplicates of a key win.
	MSet(ctx context.Context, items []KeyValue) error
	// MGet returns one entry per key, in order, with Found=false for absent keys.
	MGet(ctx context.Context, keys []string) ([]KeyValue, error)

	// LPushTrim pushes values to the front of the list one after another and
	// then truncates it to the newest ListSize elements.
	LPushTrim(ctx context.Context, key string, values []string) error
	// LRange reads a window of the list using the reverse-indexing
	// convention of Translate and Window. The result is newest first.
	LRange(ctx context.Context, key string, from, to int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// FlushAll deletes every key of the tier.
	FlushAll(ctx context.Context) error

	Ping(ctx context.Context) error
	Stats() map[string]interface{}
	Close() error
}

// Checkpointer is implemented by backends that can be asked to make their
// current state durable.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// KeyValue represents a key-value pair
type KeyValue struct {
	Key   string
	Value string
	Found bool
}

// Tier names one of the two isolated key spaces.
type Tier string

const (
	Volatile   Tier = "volatile"
	Persistent Tier = "persistent"
)

// DefaultListSize bounds lists when no size is configured.
const DefaultListSize = 10

var (
	// ErrWrongType is returned when a list operation targets a scalar key or
	// the other way around.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	ErrClosed    = errors.New("storage backend is closed")
	// ErrCheckpointInProgress is returned when an earlier checkpoint is still
	// running and already covers the request.
	ErrCheckpointInProgress = errors.New("checkpoint already in progress")
)
