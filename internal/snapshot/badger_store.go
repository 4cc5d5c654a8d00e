package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var latestSnapshotKey = []byte("concord/snapshot/latest")

// BadgerConfig describes how to open the badger store.
type BadgerConfig struct {
	Path     string
	InMemory bool
	Logger   *zap.Logger
}

// BadgerStore keeps the latest snapshot under a single badger key.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// OpenBadgerStore opens or creates the badger database.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("snapshot: badger path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("snapshot: create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(!cfg.InMemory).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// SaveSnapshot overwrites the latest snapshot.
func (s *BadgerStore) SaveSnapshot(_ context.Context, payload []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(latestSnapshotKey, payload)
	})
}

// LoadSnapshot returns the latest snapshot.
func (s *BadgerStore) LoadSnapshot(_ context.Context) ([]byte, bool, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestSnapshotKey)
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
