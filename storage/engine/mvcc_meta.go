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
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/regiondb/regionctl/regionpb"
)

// MVCCMetadata is the record stored under a key's metadata key. It names the
// newest committed version of the key and, while a write is in flight, the
// transaction holding the intent.
type MVCCMetadata struct {
	// Timestamp of the newest version of the key. Every version written below
	// the metadata key must be at or below this timestamp.
	Timestamp regionpb.Timestamp
	// Deleted is set when the newest version is a deletion tombstone.
	Deleted bool
	// Txn is non-nil while an intent is outstanding on the key.
	Txn *uuid.UUID
}

const (
	metaFlagDeleted = 1 << 0
	metaFlagTxn     = 1 << 1
)

// metaFixedLength is timestamp plus flags byte.
const metaFixedLength = 8 + 1

// Marshal encodes the metadata record: an 8 byte big-endian timestamp, a
// flags byte, and a 16 byte transaction id when an intent is outstanding.
func (m *MVCCMetadata) Marshal() ([]byte, error) {
	buf := make([]byte, 0, metaFixedLength+16)
	ts := uint64(m.Timestamp)
	buf = append(buf,
		byte(ts>>56), byte(ts>>48), byte(ts>>40), byte(ts>>32),
		byte(ts>>24), byte(ts>>16), byte(ts>>8), byte(ts))
	var flags byte
	if m.Deleted {
		flags |= metaFlagDeleted
	}
	if m.Txn != nil {
		flags |= metaFlagTxn
	}
	buf = append(buf, flags)
	if m.Txn != nil {
		buf = append(buf, m.Txn[:]...)
	}
	return buf, nil
}

// Unmarshal decodes a record written by Marshal. Truncated or oversized
// records are malformed.
func (m *MVCCMetadata) Unmarshal(data []byte) error {
	if len(data) < metaFixedLength {
		return errors.Mark(
			errors.Newf("metadata record of %d bytes is truncated", len(data)), ErrMalformedKey)
	}
	var ts uint64
	for _, b := range data[:8] {
		ts = (ts << 8) | uint64(b)
	}
	m.Timestamp = regionpb.Timestamp(ts)
	flags := data[8]
	m.Deleted = flags&metaFlagDeleted != 0
	rest := data[metaFixedLength:]
	if flags&metaFlagTxn != 0 {
		if len(rest) != 16 {
			return errors.Mark(
				errors.Newf("metadata record with intent flag has %d byte txn id, want 16", len(rest)),
				ErrMalformedKey)
		}
		var id uuid.UUID
		copy(id[:], rest)
		m.Txn = &id
		return nil
	}
	m.Txn = nil
	if len(rest) != 0 {
		return errors.Mark(
			errors.Newf("metadata record has %d trailing bytes", len(rest)), ErrMalformedKey)
	}
	return nil
}
