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

package regionpb

import (
	"github.com/cockroachdb/errors"
	"github.com/gogo/protobuf/proto"
)

// The descriptor wire format is a fixed field sequence of varints and
// length-prefixed byte strings. It is the on-disk format of the value stored
// under the region-local descriptor key and must match the live server
// byte for byte.

// Marshal encodes the descriptor into its on-disk representation.
func (r *RegionDescriptor) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 32+len(r.StartKey)+len(r.EndKey))
	buf = append(buf, proto.EncodeVarint(uint64(r.RegionID))...)
	buf = appendLengthPrefixed(buf, r.StartKey)
	buf = appendLengthPrefixed(buf, r.EndKey)
	buf = append(buf, proto.EncodeVarint(r.Epoch.Version)...)
	buf = append(buf, proto.EncodeVarint(r.Epoch.ConfVersion)...)
	buf = append(buf, proto.EncodeVarint(uint64(len(r.Peers)))...)
	for _, p := range r.Peers {
		buf = append(buf, proto.EncodeVarint(uint64(p.NodeID))...)
		buf = append(buf, proto.EncodeVarint(uint64(p.StoreID))...)
	}
	return buf, nil
}

// Unmarshal decodes a descriptor previously encoded with Marshal. Trailing
// garbage is rejected: a descriptor value must decode exactly.
func (r *RegionDescriptor) Unmarshal(data []byte) error {
	b := data
	var err error
	var v uint64
	if b, v, err = consumeVarint(b, "region id"); err != nil {
		return err
	}
	r.RegionID = RegionID(v)
	if b, r.StartKey, err = consumeLengthPrefixed(b, "start key"); err != nil {
		return err
	}
	if b, r.EndKey, err = consumeLengthPrefixed(b, "end key"); err != nil {
		return err
	}
	if b, r.Epoch.Version, err = consumeVarint(b, "epoch version"); err != nil {
		return err
	}
	if b, r.Epoch.ConfVersion, err = consumeVarint(b, "epoch conf version"); err != nil {
		return err
	}
	var n uint64
	if b, n, err = consumeVarint(b, "peer count"); err != nil {
		return err
	}
	r.Peers = nil
	for i := uint64(0); i < n; i++ {
		var p Peer
		if b, v, err = consumeVarint(b, "peer node id"); err != nil {
			return err
		}
		p.NodeID = NodeID(v)
		if b, v, err = consumeVarint(b, "peer store id"); err != nil {
			return err
		}
		p.StoreID = StoreID(v)
		r.Peers = append(r.Peers, p)
	}
	if len(b) != 0 {
		return errors.Newf("descriptor for r%d has %d leftover bytes after decode", r.RegionID, len(b))
	}
	return nil
}

func appendLengthPrefixed(buf []byte, data []byte) []byte {
	buf = append(buf, proto.EncodeVarint(uint64(len(data)))...)
	return append(buf, data...)
}

func consumeVarint(b []byte, field string) ([]byte, uint64, error) {
	v, n := proto.DecodeVarint(b)
	if n == 0 {
		return nil, 0, errors.Newf("descriptor truncated decoding %s", field)
	}
	return b[n:], v, nil
}

func consumeLengthPrefixed(b []byte, field string) ([]byte, Key, error) {
	b, l, err := consumeVarint(b, field)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(b)) < l {
		return nil, nil, errors.Newf("descriptor truncated decoding %s: want %d bytes, have %d", field, l, len(b))
	}
	out := make(Key, l)
	copy(out, b[:l])
	return b[l:], out, nil
}
