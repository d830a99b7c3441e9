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

// Package keys defines the key space shared with the live server: the local
// (system) key prefixes for per-store and per-region metadata, the raft log
// key layout, and the decoding helpers the diagnostic tool needs to take the
// layout apart again. The byte layout here is a binding external contract;
// any divergence silently corrupts data read by the live server.
package keys

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/util/encoding"
)

var (
	// localPrefix is the prefix for all local (non-user) keys. \x01 sorts
	// before every user key because user keys begin at LocalMax.
	localPrefix = regionpb.Key("\x01")

	// LocalMax is the first key outside the local key space; user keys start
	// here. Zero-length user keys are valid and are addressed at LocalMax.
	LocalMax = regionpb.Key("\x02")

	// localStorePrefix is the prefix for store-wide metadata.
	localStorePrefix = makeKey(localPrefix, regionpb.Key("s"))

	// localStoreIdentSuffix holds the store's identity record.
	localStoreIdentSuffix = regionpb.Key("iden")

	// LocalRegionIDPrefix is the prefix for all keys addressed by region id.
	LocalRegionIDPrefix = makeKey(localPrefix, regionpb.Key("i"))

	// localRegionIDReplicatedInfix separates raft-replicated region-id-local
	// data from the unreplicated data below.
	localRegionIDReplicatedInfix = regionpb.Key("r")

	// localRegionIDUnreplicatedInfix marks per-replica data that is not part
	// of the replicated state machine (the raft log itself, hard state).
	localRegionIDUnreplicatedInfix = regionpb.Key("u")

	localRegionDescriptorSuffix = regionpb.Key("rdsc")
	localRegionTombstoneSuffix  = regionpb.Key("rftb")
	localRaftTruncatedSuffix    = regionpb.Key("rftt")
	localRaftHardStateSuffix    = regionpb.Key("rfth")
	localRaftLastIndexSuffix    = regionpb.Key("rfti")
	localRaftLogSuffix          = regionpb.Key("rftl")
	localRaftAppliedIndexSuffix = regionpb.Key("rfta")
)

const localSuffixLength = 4

func makeKey(keys ...[]byte) regionpb.Key {
	return regionpb.Key(bytes.Join(keys, nil))
}

// MakeStoreKey creates a store-local key based on the metadata key suffix.
func MakeStoreKey(suffix regionpb.Key) regionpb.Key {
	key := make(regionpb.Key, 0, len(localStorePrefix)+len(suffix))
	key = append(key, localStorePrefix...)
	key = append(key, suffix...)
	return key
}

// StoreIdentKey returns a store-local key for the store identity record.
func StoreIdentKey() regionpb.Key {
	return MakeStoreKey(localStoreIdentSuffix)
}

func makePrefixWithRegionID(prefix []byte, regionID regionpb.RegionID, infix regionpb.Key) regionpb.Key {
	// Size the key buffer so that it is large enough for most callers.
	key := make(regionpb.Key, 0, 32)
	key = append(key, prefix...)
	key = encoding.EncodeUvarintAscending(key, uint64(regionID))
	key = append(key, infix...)
	return key
}

// MakeRegionIDPrefix creates a region-local key prefix from the region id,
// covering both replicated and unreplicated data.
func MakeRegionIDPrefix(regionID regionpb.RegionID) regionpb.Key {
	return makePrefixWithRegionID(LocalRegionIDPrefix, regionID, nil)
}

// MakeRegionIDReplicatedKey creates a region-local key for raft-replicated
// metadata with the given suffix.
func MakeRegionIDReplicatedKey(regionID regionpb.RegionID, suffix regionpb.Key) regionpb.Key {
	if len(suffix) != localSuffixLength {
		panic(fmt.Sprintf("suffix len(%q) != %d", suffix, localSuffixLength))
	}
	key := makePrefixWithRegionID(LocalRegionIDPrefix, regionID, localRegionIDReplicatedInfix)
	return append(key, suffix...)
}

// MakeRegionIDUnreplicatedKey creates a region-local key for per-replica
// unreplicated metadata with the given suffix.
func MakeRegionIDUnreplicatedKey(regionID regionpb.RegionID, suffix regionpb.Key) regionpb.Key {
	if len(suffix) != localSuffixLength {
		panic(fmt.Sprintf("suffix len(%q) != %d", suffix, localSuffixLength))
	}
	key := makePrefixWithRegionID(LocalRegionIDPrefix, regionID, localRegionIDUnreplicatedInfix)
	return append(key, suffix...)
}

// RegionDescriptorKey returns the region-local key holding the region's
// descriptor.
func RegionDescriptorKey(regionID regionpb.RegionID) regionpb.Key {
	return MakeRegionIDReplicatedKey(regionID, localRegionDescriptorSuffix)
}

// RegionTombstoneKey returns the region-local key marking a retired replica.
func RegionTombstoneKey(regionID regionpb.RegionID) regionpb.Key {
	return MakeRegionIDReplicatedKey(regionID, localRegionTombstoneSuffix)
}

// RaftAppliedIndexKey returns the region-local key for the raft applied index.
func RaftAppliedIndexKey(regionID regionpb.RegionID) regionpb.Key {
	return MakeRegionIDReplicatedKey(regionID, localRaftAppliedIndexSuffix)
}

// RaftHardStateKey returns the unreplicated key for the raft HardState.
func RaftHardStateKey(regionID regionpb.RegionID) regionpb.Key {
	return MakeRegionIDUnreplicatedKey(regionID, localRaftHardStateSuffix)
}

// RaftLastIndexKey returns the unreplicated key for the last index of the
// raft log.
func RaftLastIndexKey(regionID regionpb.RegionID) regionpb.Key {
	return MakeRegionIDUnreplicatedKey(regionID, localRaftLastIndexSuffix)
}

// RaftTruncatedStateKey returns the unreplicated key recording the index and
// term of the entry immediately preceding the first entry in the log.
func RaftTruncatedStateKey(regionID regionpb.RegionID) regionpb.Key {
	return MakeRegionIDUnreplicatedKey(regionID, localRaftTruncatedSuffix)
}

// RaftLogPrefix returns the prefix shared by all entries in a region's raft
// log.
func RaftLogPrefix(regionID regionpb.RegionID) regionpb.Key {
	return MakeRegionIDUnreplicatedKey(regionID, localRaftLogSuffix)
}

// RaftLogKey returns the key for the raft log entry with the given index.
// The index is encoded big-endian so entries iterate in index order.
func RaftLogKey(regionID regionpb.RegionID, index uint64) regionpb.Key {
	key := RaftLogPrefix(regionID)
	return regionpb.Key(encoding.EncodeUint64Ascending(key, index))
}

// DecodeRaftLogKey decodes the region id and log index from a raft log key.
func DecodeRaftLogKey(key regionpb.Key) (regionpb.RegionID, uint64, error) {
	if !bytes.HasPrefix(key, LocalRegionIDPrefix) {
		return 0, 0, errors.Newf("key %s does not have %q prefix", key, []byte(LocalRegionIDPrefix))
	}
	b := key[len(LocalRegionIDPrefix):]
	b, regionID, err := encoding.DecodeUvarintAscending(b)
	if err != nil {
		return 0, 0, err
	}
	infixed := makeKey(localRegionIDUnreplicatedInfix, localRaftLogSuffix)
	if !bytes.HasPrefix(b, infixed) {
		return 0, 0, errors.Newf("key %s is not a raft log key", key)
	}
	b = b[len(infixed):]
	b, index, err := encoding.DecodeUint64Ascending(b)
	if err != nil {
		return 0, 0, err
	}
	if len(b) > 0 {
		return 0, 0, errors.Newf("key %s has %d leftover bytes after decode; indicates corrupt key", key, len(b))
	}
	return regionpb.RegionID(regionID), index, nil
}

// DecodeRegionDescriptorKey decodes the region id from a descriptor key.
// Keys that are not descriptor keys are rejected.
func DecodeRegionDescriptorKey(key regionpb.Key) (regionpb.RegionID, error) {
	if !bytes.HasPrefix(key, LocalRegionIDPrefix) {
		return 0, errors.Newf("key %s does not have %q prefix", key, []byte(LocalRegionIDPrefix))
	}
	b := key[len(LocalRegionIDPrefix):]
	b, regionID, err := encoding.DecodeUvarintAscending(b)
	if err != nil {
		return 0, err
	}
	suffixed := makeKey(localRegionIDReplicatedInfix, localRegionDescriptorSuffix)
	if !bytes.Equal(b, suffixed) {
		return 0, errors.Newf("key %s is not a region descriptor key", key)
	}
	return regionpb.RegionID(regionID), nil
}

// IsLocal returns whether the key belongs to the local (system) key space.
func IsLocal(key regionpb.Key) bool {
	return bytes.HasPrefix(key, localPrefix)
}

// UserKeySpan returns the portion of the span that lies in user key space,
// clamping the start up to LocalMax.
func UserKeySpan(span regionpb.Span) regionpb.Span {
	if bytes.Compare(span.Key, LocalMax) < 0 {
		span.Key = append(regionpb.Key(nil), LocalMax...)
	}
	return span
}
