package tkv

import (
	"context"
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger

	// BadgerLogLevel filters the storage engine's own logging. The zero
	// value (info) is raised to warn.
	BadgerLogLevel slog.Level
	Directory      string

	// AppCtx bounds the value log garbage collector, which runs every
	// GCInterval until AppCtx is done or the store is closed.
	AppCtx     context.Context
	GCInterval time.Duration

	// InMemory keeps everything in memory and ignores Directory.
	InMemory bool
}

type Entry struct {
	Key   string
	Value string
}

// Mutator receives the current value of a key and returns the value to store.
// Returning remove deletes the key instead. Returning an error aborts the
// transaction and is passed through to the caller unchanged.
type Mutator func(current string) (next string, remove bool, err error)

type TKVDataHandler interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	SetNX(key string, value string) error // error if the key already exists
	Delete(key string) error
	Iterate(prefix string, offset int, limit int) ([]Entry, error)
}

type TKVTxnHandler interface {
	// Update applies fn to the key in a single transaction, retrying on
	// conflict with a concurrent writer.
	Update(key string, fn Mutator) error

	// Take returns the value of the key and deletes it in the same
	// transaction if accept returns true.
	Take(key string, accept func(value string) bool) (string, bool, error)
}

type TKV interface {
	TKVDataHandler
	TKVTxnHandler

	Close() error
}
