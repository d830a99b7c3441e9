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

// Package regionpb holds the descriptor types shared between the admin tool
// and the cluster metadata service: keys, regions, epochs and peers.
package regionpb

import (
	"bytes"
	"fmt"
	"strconv"
)

// RegionID is a unique ID associated with a region (a contiguous key-range
// partition owned by one replicated group).
type RegionID int64

// String implements the fmt.Stringer interface.
func (r RegionID) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// StoreID is a unique ID associated with a store (one physical storage
// directory on a node).
type StoreID int32

// String implements the fmt.Stringer interface.
func (s StoreID) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// NodeID is a unique ID associated with a cluster node.
type NodeID int32

// String implements the fmt.Stringer interface.
func (n NodeID) String() string {
	return strconv.FormatInt(int64(n), 10)
}

// Timestamp is a 64-bit MVCC transaction timestamp. Larger timestamps are
// newer versions.
type Timestamp uint64

// Key is an opaque, lexicographically ordered sequence of bytes. The
// zero-length key is valid and sorts before every other key.
type Key []byte

var (
	// KeyMin is the minimum key, an empty byte slice.
	KeyMin = Key("")
	// KeyMax is a maximum key value which sorts after all user keys.
	KeyMax = Key{0xff, 0xff}
)

// Compare returns -1, 0 or 1 depending on the byte-lexicographic ordering of
// k relative to other.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Less returns whether k sorts before other.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k, other) < 0
}

// Equal returns whether k and other hold identical bytes.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// Next returns the immediate lexicographic successor of the key: the smallest
// key that sorts after k. The receiver is not modified.
func (k Key) Next() Key {
	next := make(Key, 0, len(k)+1)
	next = append(next, k...)
	return append(next, 0)
}

// PrefixEnd returns the smallest key that sorts after every key having k as a
// prefix. A key of all 0xff bytes (or an empty key) has no such successor and
// returns KeyMax.
func (k Key) PrefixEnd() Key {
	if len(k) == 0 {
		return KeyMax
	}
	end := append(Key(nil), k...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// The key consists solely of 0xff bytes; nothing sorts after its prefix.
	return KeyMax
}

// String returns a quoted representation suitable for operator output.
func (k Key) String() string {
	return fmt.Sprintf("%q", []byte(k))
}

// Span is a half-open key interval [Key, EndKey).
type Span struct {
	Key    Key `json:"key"`
	EndKey Key `json:"end_key"`
}

// Contains returns whether the span contains key.
func (s Span) Contains(key Key) bool {
	return bytes.Compare(key, s.Key) >= 0 && bytes.Compare(key, s.EndKey) < 0
}

// Valid returns whether the span is non-inverted.
func (s Span) Valid() bool {
	return bytes.Compare(s.Key, s.EndKey) <= 0
}

// String implements the fmt.Stringer interface.
func (s Span) String() string {
	return fmt.Sprintf("[%s, %s)", s.Key, s.EndKey)
}

// Epoch versions a region's boundary and membership. Version advances on
// split/merge, ConfVersion on peer membership change. When two descriptors
// for the same region id conflict, the higher epoch is authoritative.
type Epoch struct {
	Version     uint64 `json:"version"`
	ConfVersion uint64 `json:"conf_version"`
}

// Compare returns -1, 0 or 1 depending on whether e is older than, equal to
// or newer than other.
func (e Epoch) Compare(other Epoch) int {
	if e.Version != other.Version {
		if e.Version < other.Version {
			return -1
		}
		return 1
	}
	if e.ConfVersion != other.ConfVersion {
		if e.ConfVersion < other.ConfVersion {
			return -1
		}
		return 1
	}
	return 0
}

// Less returns whether e is strictly older than other.
func (e Epoch) Less(other Epoch) bool {
	return e.Compare(other) < 0
}

// String implements the fmt.Stringer interface.
func (e Epoch) String() string {
	return fmt.Sprintf("%d/%d", e.Version, e.ConfVersion)
}

// Peer identifies one replica of a region.
type Peer struct {
	NodeID  NodeID  `json:"node_id"`
	StoreID StoreID `json:"store_id"`
}

// String implements the fmt.Stringer interface.
func (p Peer) String() string {
	return fmt.Sprintf("n%d/s%d", p.NodeID, p.StoreID)
}

// RegionDescriptor describes a region: its id, the half-open key range it
// owns, its epoch and its peers.
type RegionDescriptor struct {
	RegionID RegionID `json:"region_id"`
	StartKey Key      `json:"start_key"`
	EndKey   Key      `json:"end_key"`
	Epoch    Epoch    `json:"epoch"`
	Peers    []Peer   `json:"peers"`
}

// Span returns the descriptor's key range as a Span.
func (r *RegionDescriptor) Span() Span {
	return Span{Key: r.StartKey, EndKey: r.EndKey}
}

// ContainsKey returns whether the descriptor's range contains the key.
func (r *RegionDescriptor) ContainsKey(key Key) bool {
	return bytes.Compare(key, r.StartKey) >= 0 && bytes.Compare(key, r.EndKey) < 0
}

// ContainsKeyRange returns whether the descriptor contains the key range from
// start (inclusive) to end (exclusive). An empty end is treated as
// start.Next().
func (r *RegionDescriptor) ContainsKeyRange(start, end Key) bool {
	if len(end) == 0 {
		return r.ContainsKey(start)
	}
	if comp := bytes.Compare(end, start); comp < 0 {
		return false
	} else if comp == 0 {
		return r.ContainsKey(start)
	}
	return bytes.Compare(start, r.StartKey) >= 0 && bytes.Compare(r.EndKey, end) >= 0
}

// FindPeer returns the peer on the given store, if any. If no peer matches,
// (-1, nil) is returned.
func (r *RegionDescriptor) FindPeer(storeID StoreID) (int, *Peer) {
	for i := range r.Peers {
		if r.Peers[i].StoreID == storeID {
			return i, &r.Peers[i]
		}
	}
	return -1, nil
}

// String implements the fmt.Stringer interface.
func (r *RegionDescriptor) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "r%d:%s [epoch %s, peers", r.RegionID, r.Span(), r.Epoch)
	if len(r.Peers) == 0 {
		buf.WriteString(" <none>")
	}
	for _, p := range r.Peers {
		fmt.Fprintf(&buf, " %s", p)
	}
	buf.WriteString("]")
	return buf.String()
}
