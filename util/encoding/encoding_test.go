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

package encoding

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

var uint64Cases = []uint64{
	0, 1, 109, 110, 255, 256, 1 << 16, 1 << 24, 1 << 32, 1 << 40, 1 << 48, 1 << 56,
	math.MaxUint64 - 1, math.MaxUint64,
}

func TestEncodeDecodeUint64(t *testing.T) {
	for _, v := range uint64Cases {
		enc := EncodeUint64Ascending(nil, v)
		require.Len(t, enc, 8)
		rest, decoded, err := DecodeUint64Ascending(enc)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, v, decoded)

		encDesc := EncodeUint64Descending(nil, v)
		_, decoded, err = DecodeUint64Descending(encDesc)
		require.NoError(t, err)
		require.Equal(t, v, decoded)
	}
	_, _, err := DecodeUint64Ascending([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestUint64Ordering(t *testing.T) {
	for i := 1; i < len(uint64Cases); i++ {
		lo := EncodeUint64Ascending(nil, uint64Cases[i-1])
		hi := EncodeUint64Ascending(nil, uint64Cases[i])
		require.Negative(t, bytes.Compare(lo, hi), "%d vs %d", uint64Cases[i-1], uint64Cases[i])

		// Descending inverts the order.
		lo = EncodeUint64Descending(nil, uint64Cases[i-1])
		hi = EncodeUint64Descending(nil, uint64Cases[i])
		require.Positive(t, bytes.Compare(lo, hi), "%d vs %d", uint64Cases[i-1], uint64Cases[i])
	}
}

func TestEncodeDecodeUvarint(t *testing.T) {
	for _, v := range uint64Cases {
		enc := EncodeUvarintAscending(nil, v)
		rest, decoded, err := DecodeUvarintAscending(enc)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, v, decoded)
	}
	// Small values use a single byte.
	require.Len(t, EncodeUvarintAscending(nil, 0), 1)
	require.Len(t, EncodeUvarintAscending(nil, 109), 1)
	require.Len(t, EncodeUvarintAscending(nil, 110), 2)

	_, _, err := DecodeUvarintAscending(nil)
	require.Error(t, err)
	// A declared length longer than the buffer.
	_, _, err = DecodeUvarintAscending([]byte{IntMax})
	require.Error(t, err)
}

func TestUvarintOrdering(t *testing.T) {
	for i := 1; i < len(uint64Cases); i++ {
		lo := EncodeUvarintAscending(nil, uint64Cases[i-1])
		hi := EncodeUvarintAscending(nil, uint64Cases[i])
		require.Negative(t, bytes.Compare(lo, hi), "%d vs %d", uint64Cases[i-1], uint64Cases[i])
	}
}

func TestEncodeDecodeBytes(t *testing.T) {
	testCases := [][]byte{
		nil,
		{},
		[]byte("hello"),
		{0x00},
		{0x00, 0x01},
		{0x00, 0xff, 0x00},
		[]byte("with\x00embedded\x00nuls"),
		{0xff, 0xff},
	}
	for _, data := range testCases {
		enc := EncodeBytesAscending(nil, data)
		rest, decoded, err := DecodeBytesAscending(enc, nil)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.True(t, bytes.Equal(data, decoded), "%x", data)
	}
}

func TestEncodeBytesOrdering(t *testing.T) {
	// Escape framing must preserve the unencoded ordering, including for
	// keys that are prefixes of one another and keys with nul bytes.
	ordered := [][]byte{
		{},
		{0x00},
		{0x00, 0x00},
		{0x00, 0x01},
		{0x01},
		[]byte("a"),
		[]byte("a\x00"),
		[]byte("a\x00\x01"),
		[]byte("aa"),
		[]byte("b"),
		{0xff},
	}
	for i := 1; i < len(ordered); i++ {
		lo := EncodeBytesAscending(nil, ordered[i-1])
		hi := EncodeBytesAscending(nil, ordered[i])
		require.Negative(t, bytes.Compare(lo, hi), "%x vs %x", ordered[i-1], ordered[i])
	}
}

func TestDecodeBytesErrors(t *testing.T) {
	// No marker.
	_, _, err := DecodeBytesAscending([]byte("x"), nil)
	require.Error(t, err)
	// Marker with no terminator.
	_, _, err = DecodeBytesAscending([]byte{bytesMarker, 'a'}, nil)
	require.Error(t, err)
	// Dangling escape at the end of the buffer.
	_, _, err = DecodeBytesAscending([]byte{bytesMarker, 0x00}, nil)
	require.Error(t, err)
	// Unknown escape sequence.
	_, _, err = DecodeBytesAscending([]byte{bytesMarker, 0x00, 0x42}, nil)
	require.Error(t, err)
}

func TestDecodeBytesLeavesRemainder(t *testing.T) {
	enc := EncodeBytesAscending(nil, []byte("key"))
	enc = append(enc, 0xde, 0xad)
	rest, decoded, err := DecodeBytesAscending(enc, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("key"), decoded)
	require.Equal(t, []byte{0xde, 0xad}, rest)
}
