// Package badger stores simulation state in an embedded BadgerDB key-value store.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"timeweave/internal/store"
)

var _ store.Store = (*Client)(nil)

const maxConflictRetries = 8

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// ConfigFromDSN accepts badger://<dir> or badger://:memory:.
func ConfigFromDSN(dsn string) (Config, error) {
	parsed, err := store.ParseDSN(dsn)
	if err != nil {
		return Config{}, err
	}
	if parsed.Backend != store.BackendBadger {
		return Config{}, fmt.Errorf("badger store cannot open a %s dsn", parsed.Backend)
	}
	if parsed.InMemory() {
		return InMemoryConfig(), nil
	}
	return DefaultConfig(parsed.Location), nil
}

type zapAdapter struct {
	logger *zap.SugaredLogger
}

func (l zapAdapter) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l zapAdapter) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l zapAdapter) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l zapAdapter) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

type Client struct {
	db     *badger.DB
	logger *zap.Logger
}

func New(cfg Config) (*Client, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(zapAdapter{logger: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Client{db: db, logger: logger}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.db.Close()
}

func (c *Client) EnsureSchema(ctx context.Context) error { return nil }

// update runs fn in a read-write transaction, retrying on optimistic conflicts.
func (c *Client) update(op string, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = c.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		c.logger.Debug("badger transaction conflict", zap.String("op", op), zap.Int("attempt", attempt+1))
	}
	if err != nil {
		var se *store.StorageError
		if errors.As(err, &se) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		return store.Fail(op, err)
	}
	return nil
}

func (c *Client) view(op string, fn func(txn *badger.Txn) error) error {
	err := c.db.View(fn)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		var se *store.StorageError
		if errors.As(err, &se) {
			return err
		}
		return store.Fail(op, err)
	}
	return err
}

const sep = "\x00"

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, sep) + sep)
}

// sortable encodes v so that lexical order matches numeric order, negatives included.
func sortable(v int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return fmt.Sprintf("%x", buf)
}

func getJSON(txn *badger.Txn, k []byte, decode func([]byte) error) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(decode)
}

func scanPrefix(txn *badger.Txn, p []byte, reverse bool, fn func(k, v []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := p
	if reverse {
		seek = append(append([]byte{}, p...), 0xff)
	}
	for it.Seek(seek); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		var more bool
		err := item.Value(func(v []byte) error {
			var ferr error
			more, ferr = fn(item.KeyCopy(nil), v)
			return ferr
		})
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
