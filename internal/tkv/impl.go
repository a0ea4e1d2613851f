package tkv

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const (
	// conflictRetries bounds how often a transaction is replayed after losing
	// a race with another writer on the same key.
	conflictRetries = 64

	DefaultGCInterval = 5 * time.Minute
	gcDiscardRatio    = 0.5
)

type tkv struct {
	logger *slog.Logger
	store  *badger.DB

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.AppCtx == nil {
		config.AppCtx = context.Background()
	}
	if config.GCInterval <= 0 {
		config.GCInterval = DefaultGCInterval
	}
	if config.BadgerLogLevel == 0 {
		config.BadgerLogLevel = slog.LevelWarn
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		opts = badger.DefaultOptions(valuesDir)
	}
	opts = opts.WithLogger(newLogger(config.Logger.WithGroup("badger"), config.BadgerLogLevel))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	t := &tkv{
		logger: config.Logger.WithGroup("tkv"),
		store:  db,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if config.InMemory {
		// badger refuses value log GC in memory mode.
		close(t.gcDone)
	} else {
		go t.collectGarbage(config.AppCtx, config.GCInterval)
	}
	return t, nil
}

func (t *tkv) Close() error {
	t.closeOnce.Do(func() { close(t.stopGC) })
	<-t.gcDone
	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		return &ErrInternal{Err: err}
	}
	t.logger.Info("store closed")
	return nil
}

// collectGarbage rewrites value log files that are mostly stale. Consumed
// requests leave deleted values behind that only GC reclaims.
func (t *tkv) collectGarbage(ctx context.Context, interval time.Duration) {
	defer close(t.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("value log gc stopped", "reason", ctx.Err())
			return
		case <-t.stopGC:
			return
		case <-ticker.C:
		}
		rewritten := 0
		for {
			err := t.store.RunValueLogGC(gcDiscardRatio)
			if err != nil {
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
					t.logger.Warn("value log gc failed", "error", err)
				}
				break
			}
			rewritten++
		}
		if rewritten > 0 {
			t.logger.Debug("value log gc", "rewritten", rewritten)
		}
	}
}

func (t *tkv) Get(key string) (string, error) {
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *tkv) Set(key string, value string) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) SetNX(key string, value string) error {
	return t.retry(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrKeyExists{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Delete(key string) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Iterate(prefix string, offset int, limit int) ([]Entry, error) {
	var entries []Entry
	err := t.store.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(entries) >= limit {
				break
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			entries = append(entries, Entry{Key: string(item.KeyCopy(nil)), Value: string(val)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *tkv) Update(key string, fn Mutator) error {
	return t.retry(func(txn *badger.Txn) error {
		current, err := getTxn(txn, key)
		if err != nil {
			return err
		}
		next, remove, err := fn(current)
		if err != nil {
			return err
		}
		if remove {
			if err := txn.Delete([]byte(key)); err != nil {
				return &ErrInternal{Err: err}
			}
			return nil
		}
		if err := txn.Set([]byte(key), []byte(next)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Take(key string, accept func(value string) bool) (string, bool, error) {
	var (
		value string
		taken bool
	)
	err := t.retry(func(txn *badger.Txn) error {
		current, err := getTxn(txn, key)
		if err != nil {
			return err
		}
		value = current
		taken = accept(current)
		if !taken {
			return nil
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, taken, nil
}

func getTxn(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", &ErrKeyNotFound{Key: key}
		}
		return "", &ErrInternal{Err: err}
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", &ErrInternal{Err: err}
	}
	return string(val), nil
}

// retry runs fn in a read-write transaction. Only commit conflicts are
// retried; any error returned by fn ends the attempt.
func (t *tkv) retry(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = t.store.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		t.logger.Debug("transaction conflict, retrying", "attempt", attempt+1)
	}
	return &ErrInternal{Err: err}
}
