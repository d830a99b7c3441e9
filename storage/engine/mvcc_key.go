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

// Package engine implements the byte-level codecs for keys and values as the
// storage engine sees them. Keys come in two layers: a raw layer, where a user
// key is escape-framed so that arbitrary bytes remain order-preserving, and an
// MVCC layer, where the framed key carries an inverted 8 byte timestamp suffix
// so that newer versions of a key sort first.
package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/util/encoding"
)

// ErrMalformedKey marks engine keys that do not decode cleanly. Every decode
// failure in this package is marked with it.
var ErrMalformedKey = errors.New("malformed engine key")

// mvccTimestampLength is the fixed width of the version suffix on a
// versioned key.
const mvccTimestampLength = 8

// MVCCKey is an engine key addressing one version of a user key. A zero
// Timestamp addresses the key's metadata record rather than a version.
type MVCCKey struct {
	Key       regionpb.Key
	Timestamp regionpb.Timestamp
}

// IsMeta returns whether the key addresses the metadata record.
func (k MVCCKey) IsMeta() bool {
	return k.Timestamp == 0
}

// Equal returns whether two keys are identical.
func (k MVCCKey) Equal(other MVCCKey) bool {
	return k.Timestamp == other.Timestamp && k.Key.Equal(other.Key)
}

// String implements the fmt.Stringer interface.
func (k MVCCKey) String() string {
	if k.IsMeta() {
		return fmt.Sprintf("%s/meta", k.Key)
	}
	return fmt.Sprintf("%s@%d", k.Key, k.Timestamp)
}

// EncodeRawKey frames a user key for the engine without a version suffix.
// Framing is escape-based and order-preserving, so framed keys compare the
// same way the unframed user keys do.
func EncodeRawKey(key regionpb.Key) []byte {
	buf := make([]byte, 0, len(key)+3)
	return encoding.EncodeBytesAscending(buf, key)
}

// DecodeRawKey undoes EncodeRawKey. Trailing bytes after the frame make the
// key malformed.
func DecodeRawKey(encoded []byte) (regionpb.Key, error) {
	rem, key, err := encoding.DecodeBytesAscending(encoded, nil)
	if err != nil {
		return nil, errors.Mark(err, ErrMalformedKey)
	}
	if len(rem) != 0 {
		return nil, errors.Mark(
			errors.Newf("raw key %x has %d trailing bytes", encoded, len(rem)), ErrMalformedKey)
	}
	return key, nil
}

// EncodeMVCCKey encodes the key into its engine representation: the framed
// user key followed, for versioned keys, by the bitwise complement of the
// timestamp in big-endian order. Inverting the timestamp makes versions of
// one key sort newest first.
func EncodeMVCCKey(key MVCCKey) []byte {
	buf := make([]byte, 0, len(key.Key)+3+mvccTimestampLength)
	buf = encoding.EncodeBytesAscending(buf, key.Key)
	if key.IsMeta() {
		return buf
	}
	return encoding.EncodeUint64Descending(buf, uint64(key.Timestamp))
}

// DecodeMVCCKey decodes an engine key that must carry a version suffix.
// Exactly eight bytes must follow the key frame; anything else is malformed.
func DecodeMVCCKey(encoded []byte) (MVCCKey, error) {
	rem, key, err := encoding.DecodeBytesAscending(encoded, nil)
	if err != nil {
		return MVCCKey{}, errors.Mark(err, ErrMalformedKey)
	}
	if len(rem) != mvccTimestampLength {
		return MVCCKey{}, errors.Mark(
			errors.Newf("versioned key %x has a %d byte timestamp suffix, want %d",
				encoded, len(rem), mvccTimestampLength), ErrMalformedKey)
	}
	_, ts, err := encoding.DecodeUint64Descending(rem)
	if err != nil {
		return MVCCKey{}, errors.Mark(err, ErrMalformedKey)
	}
	return MVCCKey{Key: key, Timestamp: regionpb.Timestamp(ts)}, nil
}

// DecodeEngineKey decodes an engine key which may be either a metadata key
// (no suffix) or a versioned key (8 byte suffix).
func DecodeEngineKey(encoded []byte) (MVCCKey, error) {
	rem, key, err := encoding.DecodeBytesAscending(encoded, nil)
	if err != nil {
		return MVCCKey{}, errors.Mark(err, ErrMalformedKey)
	}
	switch len(rem) {
	case 0:
		return MVCCKey{Key: key}, nil
	case mvccTimestampLength:
		_, ts, err := encoding.DecodeUint64Descending(rem)
		if err != nil {
			return MVCCKey{}, errors.Mark(err, ErrMalformedKey)
		}
		if ts == 0 {
			return MVCCKey{}, errors.Mark(
				errors.Newf("versioned key %x has zero timestamp", encoded), ErrMalformedKey)
		}
		return MVCCKey{Key: key, Timestamp: regionpb.Timestamp(ts)}, nil
	default:
		return MVCCKey{}, errors.Mark(
			errors.Newf("engine key %x has a %d byte suffix, want 0 or %d",
				encoded, len(rem), mvccTimestampLength), ErrMalformedKey)
	}
}
