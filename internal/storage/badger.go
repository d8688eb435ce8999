package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	tagScalar byte = 's'
	tagList   byte = 'l'

	// keyPrefix namespaces every stored key so an empty key is still a
	// valid badger key.
	keyPrefix byte = 'k'

	maxTxnRetries = 8
)

type BadgerOptions struct {
	DataPath   string
	InMemory   bool
	SyncWrites bool
	ValueLogGC bool
	GCInterval time.Duration
	ListSize   int
}

// BadgerBackend stores a tier in an embedded BadgerDB. Each value carries a
// one-byte type tag so scalars and lists share the key space like Redis.
type BadgerBackend struct {
	db       *badger.DB
	listSize int
	inMemory bool

	// pushMu serializes list rewrites so concurrent pushes rarely conflict.
	pushMu sync.Mutex

	stopGC    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ Backend      = (*BadgerBackend)(nil)
	_ Checkpointer = (*BadgerBackend)(nil)
)

func NewBadgerBackend(config BadgerOptions) (*BadgerBackend, error) {
	if config.ListSize <= 0 {
		config.ListSize = DefaultListSize
	}

	opts := badger.DefaultOptions(config.DataPath)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(config.SyncWrites)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	b := &BadgerBackend{
		db:       db,
		listSize: config.ListSize,
		inMemory: config.InMemory,
		stopGC:   make(chan struct{}),
	}

	if config.ValueLogGC && !config.InMemory && config.GCInterval > 0 {
		b.wg.Add(1)
		go b.runGC(config.GCInterval)
	}

	return b, nil
}

func (b *BadgerBackend) Set(ctx context.Context, key, value string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(key), encodeScalar(value))
	})
}

func (b *BadgerBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		tag, payload, ok, err := readEntry(txn, key)
		if err != nil || !ok {
			return err
		}
		if tag != tagScalar {
			return ErrWrongType
		}
		value, found = string(payload), true
		return nil
	})
	return value, found, err
}

// MSet performs every write in a single transaction
func (b *BadgerBackend) MSet(ctx context.Context, items []KeyValue) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, item := range items {
			if err := txn.Set(dbKey(item.Key), encodeScalar(item.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

// MGet reads every key from one consistent snapshot
func (b *BadgerBackend) MGet(ctx context.Context, keys []string) ([]KeyValue, error) {
	results := make([]KeyValue, len(keys))

	err := b.db.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			results[i] = KeyValue{Key: key}
			tag, payload, ok, err := readEntry(txn, key)
			if err != nil {
				return err
			}
			if ok && tag == tagScalar {
				results[i].Value = string(payload)
				results[i].Found = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// LPushTrim rewrites the list in one transaction, retrying when a
// concurrent push to the same key wins the commit.
func (b *BadgerBackend) LPushTrim(ctx context.Context, key string, values []string) error {
	if len(values) == 0 {
		return nil
	}

	b.pushMu.Lock()
	defer b.pushMu.Unlock()

	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = b.db.Update(func(txn *badger.Txn) error {
			list, err := readList(txn, key)
			if err != nil {
				return err
			}
			encoded, err := encodeList(pushTrim(list, values, b.listSize))
			if err != nil {
				return err
			}
			return txn.Set(dbKey(key), encoded)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *BadgerBackend) LRange(ctx context.Context, key string, from, to int64) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		list, err := readList(txn, key)
		if err != nil {
			return err
		}
		out = sliceWindow(list, from, to)
		return nil
	})
	return out, err
}

func (b *BadgerBackend) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		list, err := readList(txn, key)
		n = int64(len(list))
		return err
	})
	return n, err
}

func (b *BadgerBackend) FlushAll(ctx context.Context) error {
	return b.db.DropAll()
}

// Checkpoint fsyncs the write-ahead value log.
func (b *BadgerBackend) Checkpoint(ctx context.Context) error {
	if b.inMemory {
		return nil
	}
	return b.db.Sync()
}

func (b *BadgerBackend) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	return b.db.View(func(txn *badger.Txn) error { return nil })
}

func (b *BadgerBackend) Stats() map[string]interface{} {
	lsmSize, vlogSize := b.db.Size()

	return map[string]interface{}{
		"driver":     "badger",
		"in_memory":  b.inMemory,
		"list_size":  b.listSize,
		"tables":     len(b.db.Tables()),
		"lsm_size":   lsmSize,
		"vlog_size":  vlogSize,
		"total_size": lsmSize + vlogSize,
	}
}

func (b *BadgerBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopGC)
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}

func (b *BadgerBackend) runGC(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			again := true
			for again {
				err := b.db.RunValueLogGC(0.7)
				again = err == nil
			}
			slog.Debug("BadgerDB garbage collection completed")
		}
	}
}

func readEntry(txn *badger.Txn, key string) (tag byte, payload []byte, found bool, err error) {
	item, err := txn.Get(dbKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, nil, false, err
	}
	if len(raw) == 0 {
		return 0, nil, false, fmt.Errorf("corrupt entry for key %q", key)
	}
	return raw[0], raw[1:], true, nil
}

func readList(txn *badger.Txn, key string) ([]string, error) {
	tag, payload, found, err := readEntry(txn, key)
	if err != nil || !found {
		return nil, err
	}
	if tag != tagList {
		return nil, ErrWrongType
	}

	var list []string
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("corrupt list for key %q: %w", key, err)
	}
	return list, nil
}

func dbKey(key string) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, keyPrefix)
	return append(out, key...)
}

func encodeScalar(value string) []byte {
	out := make([]byte, 0, len(value)+1)
	out = append(out, tagScalar)
	return append(out, value...)
}

func encodeList(list []string) ([]byte, error) {
	payload, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	return append([]byte{tagList}, payload...), nil
}
