// Package raw provides the write-once raw page store on BadgerDB.
// One key per fetched upstream page; pages are never mutated after Put
package raw

import (
	"context"
	"fmt"
	"os"

	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/logger"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const pagePrefix = "rawpage:"

// Config configures the raw page store
type Config struct {
	Dir      string
	InMemory bool
}

// DB wraps a BadgerDB instance holding raw pages keyed by raw_id
type DB struct {
	db  *badger.DB
	log logger.Logger
}

// badgerLogger adapts our logger to the badger.Logger interface
type badgerLogger struct{ log logger.Logger }

var _ badger.Logger = (*badgerLogger)(nil)

func (b *badgerLogger) Errorf(msg string, items ...any)   { b.log.Error().Msgf(msg, items...) }
func (b *badgerLogger) Warningf(msg string, items ...any) { b.log.Warn().Msgf(msg, items...) }
func (b *badgerLogger) Infof(msg string, items ...any)    { b.log.Debug().Msgf(msg, items...) }
func (b *badgerLogger) Debugf(msg string, items ...any)   { b.log.Debug().Msgf(msg, items...) }

// Open opens the raw store at cfg.Dir, creating the directory if needed
func Open(cfg Config, log logger.Logger) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts.Logger = &badgerLogger{log: log}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: db, log: log}, nil
}

// Close closes the underlying database
func (d *DB) Close() error { return d.db.Close() }

// Put persists one raw page and returns its generated raw_id.
// The store is append-only: keys are fresh uuids, so Put cannot overwrite
func (d *DB) Put(_ context.Context, kind string, payload []byte) (string, error) {
	if kind == "" {
		return "", perr.InvalidArgf("raw: empty kind")
	}
	rawID := uuid.NewString()
	key := pageKey(rawID)

	// kind header precedes the payload so Get can return both from one value
	val := make([]byte, 0, 1+len(kind)+len(payload))
	val = append(val, byte(len(kind)))
	val = append(val, kind...)
	val = append(val, payload...)

	err := d.db.Update(func(tx *badger.Txn) error {
		return tx.Set(key, val)
	})
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnavailable, "raw: put %s", kind)
	}
	return rawID, nil
}

// Get reads one raw page by raw_id
func (d *DB) Get(_ context.Context, rawID string) (string, []byte, error) {
	var kind string
	var payload []byte
	err := d.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(pageKey(rawID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) < 1 {
				return fmt.Errorf("raw: corrupt value for %s", rawID)
			}
			kl := int(val[0])
			if len(val) < 1+kl {
				return fmt.Errorf("raw: corrupt kind header for %s", rawID)
			}
			kind = string(val[1 : 1+kl])
			payload = append([]byte(nil), val[1+kl:]...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", nil, perr.NotFoundf("raw page %s", rawID)
	}
	if err != nil {
		return "", nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "raw: get %s", rawID)
	}
	return kind, payload, nil
}

func pageKey(rawID string) []byte { return []byte(pagePrefix + rawID) }
