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

package consistency

import (
	"context"
	"crypto/sha512"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/keys"
	"github.com/regiondb/regionctl/metaclient"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/storage/engine"
	"github.com/regiondb/regionctl/util/encoding"
)

// ComputeLocalDigest hashes the replicated user data of the region held in
// the local store, producing the same digest the live server serves to
// peers: sha512-256 over each engine key and value, both length-prefixed,
// at the replica's current applied index.
func ComputeLocalDigest(
	ctx context.Context,
	store *storage.Store,
	storeID regionpb.StoreID,
	desc *regionpb.RegionDescriptor,
) (metaclient.Digest, error) {
	applied, err := appliedIndex(ctx, store, desc.RegionID)
	if err != nil {
		return metaclient.Digest{}, err
	}
	span := keys.UserKeySpan(desc.Span())
	hash := sha512.New512_256()
	var lenBuf [8]byte
	start := engine.EncodeRawKey(span.Key)
	end := engine.EncodeRawKey(span.EndKey)
	err = store.Scan(ctx, start, end, func(key, value []byte) error {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(key)))
		_, _ = hash.Write(lenBuf[:])
		_, _ = hash.Write(key)
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(value)))
		_, _ = hash.Write(lenBuf[:])
		_, _ = hash.Write(value)
		return nil
	})
	if err != nil {
		return metaclient.Digest{}, errors.Wrapf(err, "r%d: hashing range %s", desc.RegionID, span)
	}
	return metaclient.Digest{
		RegionID:     desc.RegionID,
		StoreID:      storeID,
		AppliedIndex: applied,
		Checksum:     hash.Sum(nil),
	}, nil
}

func appliedIndex(
	ctx context.Context, store *storage.Store, regionID regionpb.RegionID,
) (uint64, error) {
	val, err := store.Get(ctx, keys.RaftAppliedIndexKey(regionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	_, index, err := encoding.DecodeUint64Ascending(val)
	if err != nil {
		return 0, errors.Wrapf(err, "r%d: decoding applied index", regionID)
	}
	return index, nil
}
