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
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/keys"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/util/encoding"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func makeEntries(term, lo, hi uint64) []raftpb.Entry {
	var ents []raftpb.Entry
	for i := lo; i <= hi; i++ {
		ents = append(ents, raftpb.Entry{
			Term:  term,
			Index: i,
			Type:  raftpb.EntryNormal,
			Data:  []byte{byte(i)},
		})
	}
	return ents
}

func openTestLog(t *testing.T) *LogStore {
	t.Helper()
	ls, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ls.Close()) })
	return ls
}

func TestRecordRoundTrip(t *testing.T) {
	testCases := []raftpb.Entry{
		{Term: 1, Index: 1, Type: raftpb.EntryNormal, Data: []byte("put k v")},
		{Term: 3, Index: 99, Type: raftpb.EntryConfChange},
		{Term: 5, Index: 1 << 40, Type: raftpb.EntryNormal},
	}
	for _, ent := range testCases {
		record, err := EncodeRecord(&ent)
		require.NoError(t, err)
		decoded, err := DecodeRecord(record)
		require.NoError(t, err)
		require.Equal(t, ent, decoded)
	}
}

func TestRecordTruncated(t *testing.T) {
	ent := raftpb.Entry{Term: 2, Index: 7, Type: raftpb.EntryNormal, Data: []byte("payload")}
	record, err := EncodeRecord(&ent)
	require.NoError(t, err)
	for _, cut := range []int{0, 1, len(record) / 2, len(record) - 5} {
		_, err := DecodeRecord(record[:cut])
		require.True(t, errors.Is(err, ErrTruncatedRecord), "cut at %d", cut)
	}
	_, err = DecodeRecord(append(append([]byte(nil), record...), 0x00))
	require.True(t, errors.Is(err, ErrTruncatedRecord))
}

func TestRecordChecksumMismatch(t *testing.T) {
	ent := raftpb.Entry{Term: 2, Index: 7, Type: raftpb.EntryNormal, Data: []byte("payload")}
	record, err := EncodeRecord(&ent)
	require.NoError(t, err)
	for _, pos := range []int{0, len(record) / 2, len(record) - 1} {
		flipped := append([]byte(nil), record...)
		flipped[pos] ^= 0x40
		_, err := DecodeRecord(flipped)
		require.Error(t, err, "flip at %d", pos)
	}
}

func TestAppendAndIterate(t *testing.T) {
	ctx := context.Background()
	ls := openTestLog(t)
	const region = regionpb.RegionID(1)

	require.NoError(t, ls.Append(ctx, region, makeEntries(1, 1, 5)))
	last, err := ls.LastIndex(ctx, region)
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)

	var seen []uint64
	require.NoError(t, ls.Iterate(ctx, region, 2, 5, func(ent raftpb.Entry) error {
		seen = append(seen, ent.Index)
		return nil
	}))
	require.Equal(t, []uint64{2, 3, 4}, seen)
}

func TestAppendOutOfOrder(t *testing.T) {
	ctx := context.Background()
	ls := openTestLog(t)
	const region = regionpb.RegionID(1)

	require.NoError(t, ls.Append(ctx, region, makeEntries(1, 1, 3)))
	// Skipping index 4 must be refused.
	err := ls.Append(ctx, region, makeEntries(1, 5, 6))
	require.True(t, errors.Is(err, ErrIndexOutOfOrder))
	// Rewriting index 3 must be refused.
	err = ls.Append(ctx, region, makeEntries(2, 3, 4))
	require.True(t, errors.Is(err, ErrIndexOutOfOrder))
	// A batch with an internal hole must be refused.
	batch := append(makeEntries(1, 4, 4), makeEntries(1, 6, 6)...)
	err = ls.Append(ctx, region, batch)
	require.True(t, errors.Is(err, ErrIndexOutOfOrder))
	// The contiguous continuation is accepted.
	require.NoError(t, ls.Append(ctx, region, makeEntries(2, 4, 4)))
}

// plantEntry writes a framed record at an arbitrary index, bypassing the
// contiguity checks, to simulate a damaged log.
func plantEntry(t *testing.T, ls *LogStore, region regionpb.RegionID, term, index uint64) {
	t.Helper()
	ctx := context.Background()
	ent := raftpb.Entry{Term: term, Index: index, Type: raftpb.EntryNormal}
	record, err := EncodeRecord(&ent)
	require.NoError(t, err)
	require.NoError(t, ls.Store().Put(ctx, keys.RaftLogKey(region, index), record))
	last, err := ls.LastIndex(ctx, region)
	if err != nil || index > last {
		require.NoError(t, ls.Store().Put(ctx, keys.RaftLastIndexKey(region),
			encoding.EncodeUint64Ascending(nil, index)))
	}
}

func TestIterateDetectsGap(t *testing.T) {
	ctx := context.Background()
	ls := openTestLog(t)
	const region = regionpb.RegionID(1)

	require.NoError(t, ls.Append(ctx, region, makeEntries(1, 1, 3)))
	plantEntry(t, ls, region, 1, 7)

	err := ls.Iterate(ctx, region, 1, 100, func(raftpb.Entry) error { return nil })
	require.True(t, errors.Is(err, ErrLogGap))
	require.Contains(t, err.Error(), "[4, 7)")
}

func TestIterateDetectsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	ls := openTestLog(t)
	const region = regionpb.RegionID(1)

	require.NoError(t, ls.Append(ctx, region, makeEntries(1, 1, 3)))
	// Flip a bit in the stored record for index 2.
	key := keys.RaftLogKey(region, 2)
	record, err := ls.Store().Get(ctx, key)
	require.NoError(t, err)
	record[len(record)/2] ^= 0x01
	require.NoError(t, ls.Store().Put(ctx, key, record))

	err = ls.Iterate(ctx, region, 1, 100, func(raftpb.Entry) error { return nil })
	require.Error(t, err)

	// Forced recovery skips the damage and reports it.
	var recovered []uint64
	var bad []uint64
	require.NoError(t, ls.RecoverIterate(ctx, region, 1, 100,
		func(ent raftpb.Entry) error {
			recovered = append(recovered, ent.Index)
			return nil
		},
		func(index uint64, err error) {
			bad = append(bad, index)
		}))
	require.Equal(t, []uint64{1, 3}, recovered)
	require.Equal(t, []uint64{2}, bad)
}

func TestTruncateAfter(t *testing.T) {
	ctx := context.Background()
	ls := openTestLog(t)
	const region = regionpb.RegionID(1)

	require.NoError(t, ls.Append(ctx, region, makeEntries(1, 1, 7)))
	require.NoError(t, ls.TruncateAfter(ctx, region, 3))

	last, err := ls.LastIndex(ctx, region)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	var seen []uint64
	require.NoError(t, ls.Iterate(ctx, region, 1, 100, func(ent raftpb.Entry) error {
		seen = append(seen, ent.Index)
		return nil
	}))
	require.Equal(t, []uint64{1, 2, 3}, seen)

	// The log accepts appends directly after the truncation point.
	require.NoError(t, ls.Append(ctx, region, makeEntries(2, 4, 5)))

	// Truncating at or past the last index is a no-op.
	require.NoError(t, ls.TruncateAfter(ctx, region, 99))
	last, err = ls.LastIndex(ctx, region)
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestLastContiguousIndex(t *testing.T) {
	ctx := context.Background()
	ls := openTestLog(t)
	const region = regionpb.RegionID(1)

	require.NoError(t, ls.Append(ctx, region, makeEntries(1, 1, 3)))
	plantEntry(t, ls, region, 1, 7)

	contiguous, err := ls.LastContiguousIndex(ctx, region)
	require.NoError(t, err)
	require.Equal(t, uint64(3), contiguous)

	// After cutting the orphans the full log is contiguous again.
	require.NoError(t, ls.TruncateAfter(ctx, region, contiguous))
	contiguous, err = ls.LastContiguousIndex(ctx, region)
	require.NoError(t, err)
	require.Equal(t, uint64(3), contiguous)
}

func TestTruncatedState(t *testing.T) {
	ctx := context.Background()
	ls := openTestLog(t)
	const region = regionpb.RegionID(9)

	state, err := ls.TruncatedState(ctx, region)
	require.NoError(t, err)
	require.Equal(t, TruncatedState{}, state)

	require.NoError(t, ls.SetTruncatedState(ctx, region, TruncatedState{Index: 10, Term: 4}))
	state, err = ls.TruncatedState(ctx, region)
	require.NoError(t, err)
	require.Equal(t, TruncatedState{Index: 10, Term: 4}, state)

	first, err := ls.FirstIndex(ctx, region)
	require.NoError(t, err)
	require.Equal(t, uint64(11), first)
}
