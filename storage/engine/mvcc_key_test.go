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

package engine

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMVCCKey(t *testing.T) {
	testCases := []MVCCKey{
		{Key: regionpb.Key("a"), Timestamp: 1},
		{Key: regionpb.Key("a"), Timestamp: 1<<64 - 1},
		{Key: regionpb.Key("key\x00with\x00nuls"), Timestamp: 42},
		{Key: regionpb.Key("\x00\x01\xff"), Timestamp: 7},
	}
	for _, k := range testCases {
		decoded, err := DecodeMVCCKey(EncodeMVCCKey(k))
		require.NoError(t, err)
		require.True(t, k.Equal(decoded), "key %s", k)
	}
}

func TestMVCCKeyNewestFirst(t *testing.T) {
	// Versions of one key must iterate newest first, and its metadata key
	// must sort before all of its versions.
	key := regionpb.Key("balance\x0042")
	meta := EncodeMVCCKey(MVCCKey{Key: key})
	ts9 := EncodeMVCCKey(MVCCKey{Key: key, Timestamp: 9})
	ts5 := EncodeMVCCKey(MVCCKey{Key: key, Timestamp: 5})
	ts1 := EncodeMVCCKey(MVCCKey{Key: key, Timestamp: 1})
	require.Negative(t, bytes.Compare(meta, ts9))
	require.Negative(t, bytes.Compare(ts9, ts5))
	require.Negative(t, bytes.Compare(ts5, ts1))
	// A different, larger user key sorts after every version of this one even
	// when this key contains nul bytes.
	other := EncodeMVCCKey(MVCCKey{Key: regionpb.Key("balance\x0043"), Timestamp: 100})
	require.Negative(t, bytes.Compare(ts1, other))
}

func TestDecodeMVCCKeyMalformed(t *testing.T) {
	good := EncodeMVCCKey(MVCCKey{Key: regionpb.Key("a"), Timestamp: 3})
	testCases := [][]byte{
		nil,
		{0x12},                      // frame with no terminator
		good[:len(good)-1],          // truncated timestamp
		append(good, 0x00),          // oversized timestamp
		EncodeRawKey(regionpb.Key("a")), // no timestamp at all
	}
	for _, enc := range testCases {
		_, err := DecodeMVCCKey(enc)
		require.Error(t, err, "encoded %x", enc)
		require.True(t, errors.Is(err, ErrMalformedKey), "encoded %x", enc)
	}
}

func TestDecodeEngineKey(t *testing.T) {
	key := regionpb.Key("k")
	meta, err := DecodeEngineKey(EncodeMVCCKey(MVCCKey{Key: key}))
	require.NoError(t, err)
	require.True(t, meta.IsMeta())
	require.Equal(t, key, meta.Key)

	versioned, err := DecodeEngineKey(EncodeMVCCKey(MVCCKey{Key: key, Timestamp: 77}))
	require.NoError(t, err)
	require.Equal(t, regionpb.Timestamp(77), versioned.Timestamp)

	// A 4 byte suffix is neither a metadata key nor a versioned key.
	bad := append(EncodeRawKey(key), 1, 2, 3, 4)
	_, err = DecodeEngineKey(bad)
	require.True(t, errors.Is(err, ErrMalformedKey))
}

func TestRawKeyRoundTrip(t *testing.T) {
	for _, key := range []regionpb.Key{nil, regionpb.Key("a"), regionpb.Key("\x00\x00\x01")} {
		decoded, err := DecodeRawKey(EncodeRawKey(key))
		require.NoError(t, err)
		require.True(t, bytes.Equal(key, decoded))
	}
	_, err := DecodeRawKey(append(EncodeRawKey(regionpb.Key("a")), 'x'))
	require.True(t, errors.Is(err, ErrMalformedKey))
}

func TestMVCCMetadataRoundTrip(t *testing.T) {
	txn := uuid.New()
	testCases := []MVCCMetadata{
		{Timestamp: 10},
		{Timestamp: 10, Deleted: true},
		{Timestamp: 1<<63 + 5, Txn: &txn},
	}
	for _, meta := range testCases {
		data, err := meta.Marshal()
		require.NoError(t, err)
		var decoded MVCCMetadata
		require.NoError(t, decoded.Unmarshal(data))
		require.Equal(t, meta, decoded)
	}
}

func TestMVCCMetadataMalformed(t *testing.T) {
	txn := uuid.New()
	withTxn, err := (&MVCCMetadata{Timestamp: 1, Txn: &txn}).Marshal()
	require.NoError(t, err)
	plain, err := (&MVCCMetadata{Timestamp: 1}).Marshal()
	require.NoError(t, err)

	var m MVCCMetadata
	require.Error(t, m.Unmarshal(nil))
	require.Error(t, m.Unmarshal(plain[:5]))
	require.Error(t, m.Unmarshal(withTxn[:len(withTxn)-1]))
	require.Error(t, m.Unmarshal(append(plain, 0xaa)))
}
