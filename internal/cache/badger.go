// SPDX-License-Identifier: MIT

package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerCache is an on-disk implementation of Cache. It survives restarts,
// which keeps ETag revalidation effective across daemon deployments.
type BadgerCache struct {
	db     *badger.DB
	logger zerolog.Logger
	stats  struct {
		hits   atomic.Int64
		misses atomic.Int64
		sets   atomic.Int64
	}
}

// NewBadger opens (or creates) a badger database at dir.
func NewBadger(dir string, logger zerolog.Logger) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open %s: %w", dir, err)
	}

	logger.Info().Str("dir", dir).Msg("opened badger cache")
	return &BadgerCache{db: db, logger: logger}, nil
}

func (c *BadgerCache) Get(key string) ([]byte, bool) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn().Err(err).Str("key", key).Msg("badger get failed")
		}
		c.stats.misses.Add(1)
		return nil, false
	}
	c.stats.hits.Add(1)
	return value, true
}

func (c *BadgerCache) Set(key string, value []byte, ttl time.Duration) {
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("badger set failed")
		return
	}
	c.stats.sets.Add(1)
}

func (c *BadgerCache) Delete(key string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("badger delete failed")
	}
}

func (c *BadgerCache) Stats() Stats {
	var size int
	_ = c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			size++
		}
		return nil
	})
	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Sets:        c.stats.sets.Load(),
		CurrentSize: size,
	}
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}
