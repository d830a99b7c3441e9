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

package raftlog

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/keys"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/util/encoding"
	"github.com/regiondb/regionctl/util/log"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var (
	// ErrIndexOutOfOrder marks appends that would leave a hole or rewrite
	// history.
	ErrIndexOutOfOrder = errors.New("log index out of order")
	// ErrLogGap marks a hole found between stored entries.
	ErrLogGap = errors.New("gap in raft log")
	// ErrNoLog is returned when a region has no log entries at all.
	ErrNoLog = errors.New("region has no raft log")
)

// NewGapError reports missing indexes [from, to).
func NewGapError(regionID regionpb.RegionID, from, to uint64) error {
	return errors.Mark(
		errors.Newf("r%d: raft log missing indexes [%d, %d)", regionID, from, to), ErrLogGap)
}

// TruncatedState records the index and term of the entry immediately before
// the first entry kept in the log.
type TruncatedState struct {
	Index uint64
	Term  uint64
}

// LogStore accesses the raft log column of a store. It is a thin layer over
// storage.Store that understands log keys, record framing and the per-region
// bookkeeping keys.
type LogStore struct {
	store *storage.Store
}

// Open opens the raft log directory. Options pass through to storage.Open,
// so the accessor follows the same lock discipline as the data store.
func Open(ctx context.Context, dir string, opts ...storage.Option) (*LogStore, error) {
	store, err := storage.Open(ctx, dir, opts...)
	if err != nil {
		return nil, err
	}
	return &LogStore{store: store}, nil
}

// NewLogStore wraps an already-open store. Close on the LogStore closes it.
func NewLogStore(store *storage.Store) *LogStore {
	return &LogStore{store: store}
}

// Close releases the underlying store.
func (ls *LogStore) Close() error {
	return ls.store.Close()
}

// Store exposes the underlying store, for callers that also need the
// bookkeeping keys outside this package.
func (ls *LogStore) Store() *storage.Store {
	return ls.store
}

// LastIndex returns the last index recorded for the region's log, or ErrNoLog.
func (ls *LogStore) LastIndex(ctx context.Context, regionID regionpb.RegionID) (uint64, error) {
	val, err := ls.store.Get(ctx, keys.RaftLastIndexKey(regionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, errors.Mark(errors.Newf("r%d has no last index record", regionID), ErrNoLog)
		}
		return 0, err
	}
	_, index, err := encoding.DecodeUint64Ascending(val)
	if err != nil {
		return 0, errors.Wrapf(err, "r%d: decoding last index record", regionID)
	}
	return index, nil
}

func (ls *LogStore) setLastIndex(regionID regionpb.RegionID, batch *storage.Batch, index uint64) error {
	return batch.Put(keys.RaftLastIndexKey(regionID), encoding.EncodeUint64Ascending(nil, index))
}

// TruncatedState returns the region's log truncation record. A region with
// no record has never truncated; the zero state is returned.
func (ls *LogStore) TruncatedState(
	ctx context.Context, regionID regionpb.RegionID,
) (TruncatedState, error) {
	val, err := ls.store.Get(ctx, keys.RaftTruncatedStateKey(regionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TruncatedState{}, nil
		}
		return TruncatedState{}, err
	}
	rest, index, err := encoding.DecodeUint64Ascending(val)
	if err != nil {
		return TruncatedState{}, errors.Wrapf(err, "r%d: decoding truncated state", regionID)
	}
	rest, term, err := encoding.DecodeUint64Ascending(rest)
	if err != nil {
		return TruncatedState{}, errors.Wrapf(err, "r%d: decoding truncated state term", regionID)
	}
	if len(rest) != 0 {
		return TruncatedState{}, errors.Newf(
			"r%d: truncated state record has %d trailing bytes", regionID, len(rest))
	}
	return TruncatedState{Index: index, Term: term}, nil
}

// SetTruncatedState rewrites the region's truncation record.
func (ls *LogStore) SetTruncatedState(
	ctx context.Context, regionID regionpb.RegionID, state TruncatedState,
) error {
	val := encoding.EncodeUint64Ascending(nil, state.Index)
	val = encoding.EncodeUint64Ascending(val, state.Term)
	return ls.store.Put(ctx, keys.RaftTruncatedStateKey(regionID), val)
}

// FirstIndex returns the first index present in the log, one past the
// truncation point.
func (ls *LogStore) FirstIndex(ctx context.Context, regionID regionpb.RegionID) (uint64, error) {
	state, err := ls.TruncatedState(ctx, regionID)
	if err != nil {
		return 0, err
	}
	return state.Index + 1, nil
}

// Append stores entries at the tail of the region's log. The first entry
// must directly follow the current last index (or start the log), and the
// entries themselves must be contiguous in index and non-decreasing in term.
func (ls *LogStore) Append(
	ctx context.Context, regionID regionpb.RegionID, ents []raftpb.Entry,
) error {
	if len(ents) == 0 {
		return nil
	}
	last, err := ls.LastIndex(ctx, regionID)
	if err != nil && !errors.Is(err, ErrNoLog) {
		return err
	}
	hasLog := err == nil
	if hasLog && ents[0].Index != last+1 {
		return errors.Mark(
			errors.Newf("r%d: appending index %d after last index %d",
				regionID, ents[0].Index, last), ErrIndexOutOfOrder)
	}
	for i := 1; i < len(ents); i++ {
		if ents[i].Index != ents[i-1].Index+1 || ents[i].Term < ents[i-1].Term {
			return errors.Mark(
				errors.Newf("r%d: entry %d/%d after entry %d/%d in append batch",
					regionID, ents[i].Index, ents[i].Term, ents[i-1].Index, ents[i-1].Term),
				ErrIndexOutOfOrder)
		}
	}
	batch, err := ls.store.NewBatch()
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()
	for i := range ents {
		record, err := EncodeRecord(&ents[i])
		if err != nil {
			return err
		}
		if err := batch.Put(keys.RaftLogKey(regionID, ents[i].Index), record); err != nil {
			return err
		}
	}
	if err := ls.setLastIndex(regionID, batch, ents[len(ents)-1].Index); err != nil {
		return err
	}
	return batch.Commit()
}

// TruncateAfter removes every entry above index and resets the last index
// record. Used to cut a log back to its last contiguous prefix.
func (ls *LogStore) TruncateAfter(
	ctx context.Context, regionID regionpb.RegionID, index uint64,
) error {
	last, err := ls.LastIndex(ctx, regionID)
	if err != nil {
		return err
	}
	if index >= last {
		return nil
	}
	batch, err := ls.store.NewBatch()
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()
	start := keys.RaftLogKey(regionID, index+1)
	end := keys.RaftLogPrefix(regionID).PrefixEnd()
	if err := batch.DeleteRange(start, end); err != nil {
		return err
	}
	if err := ls.setLastIndex(regionID, batch, index); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	log.Infof(ctx, "r%d: truncated raft log after index %d (was %d)", regionID, index, last)
	return nil
}

// Iterate visits entries with indexes in [lo, hi) in order. A hole in the
// stored indexes fails the iteration with ErrLogGap naming the missing
// range; a record that fails to decode fails it with the decode error.
func (ls *LogStore) Iterate(
	ctx context.Context,
	regionID regionpb.RegionID,
	lo, hi uint64,
	fn func(ent raftpb.Entry) error,
) error {
	expected := lo
	err := ls.store.Scan(ctx,
		keys.RaftLogKey(regionID, lo), keys.RaftLogKey(regionID, hi),
		func(key, value []byte) error {
			_, index, err := keys.DecodeRaftLogKey(regionpb.Key(key))
			if err != nil {
				return err
			}
			if index != expected {
				return NewGapError(regionID, expected, index)
			}
			expected = index + 1
			ent, err := DecodeRecord(value)
			if err != nil {
				return errors.Wrapf(err, "r%d: log index %d", regionID, index)
			}
			if ent.Index != index {
				return errors.Newf("r%d: entry at log key %d carries index %d",
					regionID, index, ent.Index)
			}
			return fn(ent)
		})
	return err
}

// RecoverIterate visits entries like Iterate but keeps going past damage:
// undecodable records are reported to onBad and skipped, and holes do not
// stop the scan. Used by forced recovery to salvage what remains of a log.
func (ls *LogStore) RecoverIterate(
	ctx context.Context,
	regionID regionpb.RegionID,
	lo, hi uint64,
	fn func(ent raftpb.Entry) error,
	onBad func(index uint64, err error),
) error {
	return ls.store.Scan(ctx,
		keys.RaftLogKey(regionID, lo), keys.RaftLogKey(regionID, hi),
		func(key, value []byte) error {
			_, index, err := keys.DecodeRaftLogKey(regionpb.Key(key))
			if err != nil {
				onBad(0, err)
				return nil
			}
			ent, err := DecodeRecord(value)
			if err != nil {
				log.Warningf(ctx, "r%d: skipping undecodable record at index %d: %v",
					regionID, index, err)
				onBad(index, err)
				return nil
			}
			return fn(ent)
		})
}

// LastContiguousIndex walks the log from its first index and returns the
// last index of the unbroken, decodable prefix. Entries past the first hole
// or damaged record are orphans.
func (ls *LogStore) LastContiguousIndex(
	ctx context.Context, regionID regionpb.RegionID,
) (uint64, error) {
	first, err := ls.FirstIndex(ctx, regionID)
	if err != nil {
		return 0, err
	}
	contiguous := first - 1
	err = ls.store.Scan(ctx,
		keys.RaftLogKey(regionID, first), keys.RaftLogPrefix(regionID).PrefixEnd(),
		func(key, value []byte) error {
			_, index, err := keys.DecodeRaftLogKey(regionpb.Key(key))
			if err != nil {
				return storage.StopIteration
			}
			if index != contiguous+1 {
				return storage.StopIteration
			}
			if _, err := DecodeRecord(value); err != nil {
				return storage.StopIteration
			}
			contiguous = index
			return nil
		})
	if err != nil {
		return 0, err
	}
	return contiguous, nil
}
