package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"sharedlog/pkg/types"
)

const defaultBadgerValueLogFileSize = 64 * 1024 * 1024

type badgerConfig struct {
	inMemory         bool
	valueLogFileSize int64
}

// BadgerOption customizes how Badger is opened.
type BadgerOption func(*badgerConfig) error

// WithBadgerInMemory keeps the database in memory, path is ignored.
func WithBadgerInMemory() BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.inMemory = true
		return nil
	}
}

// WithBadgerValueLogFileSize sets max bytes per value log file.
func WithBadgerValueLogFileSize(sizeBytes int64) BadgerOption {
	return func(cfg *badgerConfig) error {
		if sizeBytes <= 0 {
			return fmt.Errorf("badger value log file size must be > 0, got %d", sizeBytes)
		}
		cfg.valueLogFileSize = sizeBytes
		return nil
	}
}

// BadgerDB owns a badger database shared by the namespaces opened on it.
type BadgerDB struct {
	db *badger.DB
}

func OpenBadger(path string, options ...BadgerOption) (*BadgerDB, error) {
	cfg := badgerConfig{valueLogFileSize: defaultBadgerValueLogFileSize}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(&cfg); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(path)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithValueLogFileSize(cfg.valueLogFileSize)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerDB{db: db}, nil
}

// Open returns the namespace for a log. Keys are prefixed with the name.
func (b *BadgerDB) Open(name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("badger: empty namespace")
	}
	return &Badger{db: b.db, prefix: []byte(name + "/")}, nil
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}

// Badger is one namespace of a BadgerDB. Closing it does not close the db.
type Badger struct {
	db     *badger.DB
	prefix []byte
}

func (s *Badger) key(hash types.Hash) []byte {
	k := make([]byte, 0, len(s.prefix)+len(hash))
	k = append(k, s.prefix...)
	return append(k, hash...)
}

func (s *Badger) Get(_ context.Context, hash types.Hash) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(hash))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", hash, err)
	}
	return out, nil
}

func (s *Badger) Put(_ context.Context, data []byte) (types.Hash, error) {
	h := Hash(data)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(h), data)
	})
	if err != nil {
		return "", fmt.Errorf("badger put: %w", err)
	}
	return h, nil
}

func (s *Badger) Has(_ context.Context, hash types.Hash) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(s.key(hash))
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("badger has %s: %w", hash, err)
	}
	return true, nil
}

func (s *Badger) Rm(_ context.Context, hash types.Hash) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(hash))
	})
	if err != nil {
		return fmt.Errorf("badger rm %s: %w", hash, err)
	}
	return nil
}

func (s *Badger) Each(ctx context.Context, fn func(types.Hash, []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger each: %w", err)
			}
			if err := fn(types.Hash(item.Key()[len(s.prefix):]), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Badger) Close() error { return nil }
