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

// Package consistency inspects a store for structural damage. The checker
// only ever reads; each problem it finds is returned as a Finding carrying
// the evidence a later repair needs to re-validate before it mutates
// anything.
package consistency

import (
	"fmt"

	"github.com/regiondb/regionctl/metaclient"
	"github.com/regiondb/regionctl/regionpb"
)

// Kind classifies a Finding.
type Kind string

const (
	// RangeGap: adjacent region descriptors leave keys owned by no region.
	RangeGap Kind = "range-gap"
	// RangeOverlap: adjacent region descriptors both claim some keys.
	RangeOverlap Kind = "range-overlap"
	// OrphanedLogEntry: raft log entries exist past a hole or damaged
	// record, unreachable by replay.
	OrphanedLogEntry Kind = "orphaned-log-entry"
	// MVCCChainBroken: a key's metadata record and its version chain
	// disagree.
	MVCCChainBroken Kind = "mvcc-chain-broken"
	// ReplicaDivergence: this store's replica digest disagrees with a
	// quorum of its peers at the same applied index.
	ReplicaDivergence Kind = "replica-divergence"
)

// Finding is one detected inconsistency.
type Finding struct {
	Kind     Kind              `json:"kind"`
	RegionID regionpb.RegionID `json:"region_id"`
	Detail   string            `json:"detail"`
	Evidence Evidence          `json:"evidence"`
}

// String implements the fmt.Stringer interface.
func (f Finding) String() string {
	return fmt.Sprintf("r%d %s: %s", f.RegionID, f.Kind, f.Detail)
}

// Evidence is the state the checker observed. Repair re-reads the store and
// refuses to act when the evidence no longer matches; only the fields for
// the finding's kind are set.
type Evidence struct {
	// RangeGap and RangeOverlap.
	Left          *regionpb.RegionDescriptor `json:"left,omitempty"`
	Right         *regionpb.RegionDescriptor `json:"right,omitempty"`
	Span          *regionpb.Span             `json:"span,omitempty"`
	Authoritative *regionpb.RegionDescriptor `json:"authoritative,omitempty"`

	// OrphanedLogEntry.
	LastContiguousIndex uint64 `json:"last_contiguous_index,omitempty"`
	OrphanFrom          uint64 `json:"orphan_from,omitempty"`
	OrphanTo            uint64 `json:"orphan_to,omitempty"`

	// MVCCChainBroken.
	Key             regionpb.Key       `json:"key,omitempty"`
	MetaTimestamp   regionpb.Timestamp `json:"meta_timestamp,omitempty"`
	NewestVersion   regionpb.Timestamp `json:"newest_version,omitempty"`
	MissingMetadata bool               `json:"missing_metadata,omitempty"`

	// ReplicaDivergence.
	Local *metaclient.Digest  `json:"local,omitempty"`
	Peers []metaclient.Digest `json:"peers,omitempty"`
}
