// Copyright 2024 The RegionDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package storage opens a store directory for offline inspection or repair.
// A store is a pebble database plus an advisory lock file that coordinates
// with the live server and with other invocations of the tool: read-only
// access takes the lock shared, mutating access takes it exclusive. The lock
// is acquired before pebble opens the directory and held until Close.
package storage

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	"github.com/regiondb/regionctl/encryption"
	"github.com/regiondb/regionctl/util/log"
)

// LockFileName is the advisory lock file inside a store directory.
const LockFileName = "REGIONCTL_LOCK"

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("key not found")
	// ErrLockContention is returned by Open when the store's advisory lock is
	// held in a conflicting mode.
	ErrLockContention = errors.New("store lock held by another process")
	// ErrReadOnly marks mutation attempts on a read-only handle.
	ErrReadOnly = errors.New("store opened read-only")
)

type config struct {
	readOnly bool
	force    bool
	codec    *encryption.Codec
}

// Option configures Open.
type Option func(*config)

// ReadOnly opens the store for reading only; the advisory lock is taken
// shared and every mutation fails with ErrReadOnly.
func ReadOnly() Option {
	return func(cfg *config) { cfg.readOnly = true }
}

// WithForce skips the advisory lock when it cannot be acquired. Reserved for
// disaster recovery against a store whose owner is known to be dead.
func WithForce() Option {
	return func(cfg *config) { cfg.force = true }
}

// WithEncryption decrypts values on read and encrypts them on write using
// the given codec.
func WithEncryption(codec *encryption.Codec) Option {
	return func(cfg *config) { cfg.codec = codec }
}

// Store is an open store directory.
type Store struct {
	dir      string
	db       *pebble.DB
	lock     *flock.Flock
	readOnly bool
	codec    *encryption.Codec
}

// Open opens the store at dir. The advisory lock is acquired first; if it is
// held in a conflicting mode Open fails with ErrLockContention before pebble
// touches the directory.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	lock := flock.New(filepath.Join(dir, LockFileName))
	var locked bool
	var err error
	if cfg.readOnly {
		locked, err = lock.TryRLock()
	} else {
		locked, err = lock.TryLock()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring lock on %s", dir)
	}
	if !locked {
		if !cfg.force {
			return nil, errors.Mark(
				errors.Newf("store %s is locked; stop the owning process or pass --force", dir),
				ErrLockContention)
		}
		log.Warningf(ctx, "store %s is locked by another process; proceeding anyway under --force. "+
			"Concurrent access can corrupt the store.", dir)
		lock = nil
	}

	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: cfg.readOnly})
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, errors.Wrapf(err, "opening store %s", dir)
	}
	mode := "read-write"
	if cfg.readOnly {
		mode = "read-only"
	}
	log.VEventf(ctx, "opened store %s (%s)", dir, mode)
	return &Store{dir: dir, db: db, lock: lock, readOnly: cfg.readOnly, codec: cfg.codec}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// ReadOnly returns whether the handle refuses mutations.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Close closes the database and releases the advisory lock. The lock is
// released even when the database fails to close.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(unlockErr, "releasing lock on %s", s.dir))
		}
	}
	return err
}

// Get returns the value stored under an engine key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.Mark(errors.Newf("key %x not found in %s", key, s.dir), ErrNotFound)
		}
		return nil, errors.Wrapf(err, "reading key %x", key)
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	if s.codec != nil {
		return s.codec.Open(out)
	}
	return out, nil
}

// Put stores a value under an engine key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if s.readOnly {
		return errors.Mark(errors.Newf("writing key %x", key), ErrReadOnly)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.codec != nil {
		sealed, err := s.codec.Seal(value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return errors.Wrapf(s.db.Set(key, value, pebble.Sync), "writing key %x", key)
}

// Delete removes an engine key.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if s.readOnly {
		return errors.Mark(errors.Newf("deleting key %x", key), ErrReadOnly)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(s.db.Delete(key, pebble.Sync), "deleting key %x", key)
}

// DeleteRange removes every engine key in [start, end).
func (s *Store) DeleteRange(ctx context.Context, start, end []byte) error {
	if s.readOnly {
		return errors.Mark(errors.Newf("deleting range [%x, %x)", start, end), ErrReadOnly)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(s.db.DeleteRange(start, end, pebble.Sync),
		"deleting range [%x, %x)", start, end)
}

// StopIteration stops a Scan early without surfacing an error.
var StopIteration = errors.New("stop iteration")

// Scan visits every engine key in [start, end) in order, checking for
// context cancellation between steps. fn may return StopIteration to end the
// scan cleanly.
func (s *Store) Scan(ctx context.Context, start, end []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return errors.Wrapf(err, "scanning [%x, %x)", start, end)
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		value := iter.Value()
		if s.codec != nil {
			if value, err = s.codec.Open(value); err != nil {
				return err
			}
		}
		if err := fn(iter.Key(), value); err != nil {
			if errors.Is(err, StopIteration) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

// Batch collects mutations for one atomic commit.
type Batch struct {
	store *Store
	batch *pebble.Batch
}

// NewBatch returns an empty batch. Fails on read-only handles.
func (s *Store) NewBatch() (*Batch, error) {
	if s.readOnly {
		return nil, errors.Mark(errors.New("creating write batch"), ErrReadOnly)
	}
	return &Batch{store: s, batch: s.db.NewBatch()}, nil
}

// Put adds a write to the batch.
func (b *Batch) Put(key, value []byte) error {
	if b.store.codec != nil {
		sealed, err := b.store.codec.Seal(value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return b.batch.Set(key, value, nil)
}

// Delete adds a deletion to the batch.
func (b *Batch) Delete(key []byte) error {
	return b.batch.Delete(key, nil)
}

// DeleteRange adds a range deletion over [start, end) to the batch.
func (b *Batch) DeleteRange(start, end []byte) error {
	return b.batch.DeleteRange(start, end, nil)
}

// Commit applies the batch durably.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without applying it.
func (b *Batch) Close() error {
	return b.batch.Close()
}
