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

// Package raftlog reads and repairs the per-region raft log. Each log entry
// is stored framed: a one byte entry-type tag, the payload length as a
// uvarint, the marshaled entry, and a CRC-32C over everything before it.
// The checksum is what lets the tool tell a torn write from a clean record.
package raftlog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var (
	// ErrTruncatedRecord marks records cut short before their declared length.
	ErrTruncatedRecord = errors.New("truncated log record")
	// ErrChecksumMismatch marks records whose CRC does not cover their bytes.
	ErrChecksumMismatch = errors.New("log record checksum mismatch")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const recordChecksumLength = 4

// EncodeRecord frames a raft entry for storage.
func EncodeRecord(ent *raftpb.Entry) ([]byte, error) {
	payload, err := ent.Marshal()
	if err != nil {
		return nil, errors.Wrapf(err, "marshaling entry %d", ent.Index)
	}
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload)+recordChecksumLength)
	buf = append(buf, byte(ent.Type))
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	sum := crc32.Checksum(buf, crcTable)
	return binary.LittleEndian.AppendUint32(buf, sum), nil
}

// DecodeRecord decodes a framed raft entry, verifying length and checksum.
func DecodeRecord(data []byte) (raftpb.Entry, error) {
	var ent raftpb.Entry
	if len(data) < 2 {
		return ent, errors.Mark(
			errors.Newf("record of %d bytes is too short for a header", len(data)),
			ErrTruncatedRecord)
	}
	tag := data[0]
	payloadLen, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return ent, errors.Mark(errors.New("record has malformed length"), ErrTruncatedRecord)
	}
	body := 1 + n + int(payloadLen)
	if uint64(len(data)) < uint64(body)+recordChecksumLength {
		return ent, errors.Mark(
			errors.Newf("record declares %d payload bytes but only %d bytes follow the header",
				payloadLen, len(data)-1-n), ErrTruncatedRecord)
	}
	if uint64(len(data)) > uint64(body)+recordChecksumLength {
		return ent, errors.Mark(
			errors.Newf("record has %d trailing bytes", len(data)-body-recordChecksumLength),
			ErrTruncatedRecord)
	}
	want := binary.LittleEndian.Uint32(data[body:])
	if got := crc32.Checksum(data[:body], crcTable); got != want {
		return ent, errors.Mark(
			errors.Newf("record checksum %08x, computed %08x", want, got), ErrChecksumMismatch)
	}
	if err := ent.Unmarshal(data[1+n : body]); err != nil {
		return ent, errors.Wrap(err, "unmarshaling entry payload")
	}
	if byte(ent.Type) != tag {
		return ent, errors.Mark(
			errors.Newf("record tag %d disagrees with entry type %s", tag, ent.Type),
			ErrChecksumMismatch)
	}
	return ent, nil
}
