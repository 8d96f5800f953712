package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/fyrsmithlabs/pdfrag/internal/logging"
)

// BadgerStore keeps blobs in an embedded badger database. It is the local
// and single-node backend.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

// BadgerOption configures a BadgerStore.
type BadgerOption func(*BadgerStore)

// WithTTL expires every blob after d even if its cleanup job is lost.
func WithTTL(d time.Duration) BadgerOption {
	return func(s *BadgerStore) { s.ttl = d }
}

type badgerLogger struct {
	logger *logging.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(context.Background(), fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(context.Background(), fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(context.Background(), fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Trace(context.Background(), fmt.Sprintf(msg, items...))
}

// OpenBadger opens (creating if needed) a badger store at dir. With
// inMemory set dir is ignored and nothing touches disk.
func OpenBadger(dir string, inMemory bool, logger *logging.Logger, opts ...BadgerOption) (*BadgerStore, error) {
	var bopts badger.Options
	if inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating blob dir: %w", err)
		}
		bopts = badger.DefaultOptions(dir)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	bopts.Logger = &badgerLogger{logger: logger.Named("badger")}
	// PDFs are already compressed.
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	s := &BadgerStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BadgerStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return out, err
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
