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

package keys

import (
	"bytes"
	"fmt"

	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/util/encoding"
)

var suffixNames = []struct {
	suffix regionpb.Key
	name   string
}{
	{localRegionDescriptorSuffix, "RegionDescriptor"},
	{localRegionTombstoneSuffix, "RegionTombstone"},
	{localRaftAppliedIndexSuffix, "RaftAppliedIndex"},
	{localRaftTruncatedSuffix, "RaftTruncatedState"},
	{localRaftHardStateSuffix, "RaftHardState"},
	{localRaftLastIndexSuffix, "RaftLastIndex"},
	{localRaftLogSuffix, "RaftLog"},
}

// PrettyPrint renders the key in a human readable form, naming the region-id
// local structure where the key has one. Unrecognized keys fall back to a
// quoted representation.
func PrettyPrint(key regionpb.Key) string {
	switch {
	case bytes.HasPrefix(key, LocalRegionIDPrefix):
		return prettyPrintRegionIDKey(key)
	case bytes.HasPrefix(key, localStorePrefix):
		suffix := key[len(localStorePrefix):]
		if bytes.Equal(suffix, localStoreIdentSuffix) {
			return "/Local/Store/Ident"
		}
		return fmt.Sprintf("/Local/Store/%q", []byte(suffix))
	case bytes.HasPrefix(key, localPrefix):
		return fmt.Sprintf("/Local/%q", []byte(key[len(localPrefix):]))
	default:
		return fmt.Sprintf("%q", []byte(key))
	}
}

func prettyPrintRegionIDKey(key regionpb.Key) string {
	b := key[len(LocalRegionIDPrefix):]
	b, regionID, err := encoding.DecodeUvarintAscending(b)
	if err != nil {
		return fmt.Sprintf("%q", []byte(key))
	}
	if len(b) == 0 {
		return fmt.Sprintf("/Local/Region/%d", regionID)
	}
	infix, b := b[:1], b[1:]
	for _, s := range suffixNames {
		if !bytes.HasPrefix(b, s.suffix) {
			continue
		}
		rest := b[len(s.suffix):]
		if len(rest) == 0 {
			return fmt.Sprintf("/Local/Region/%d/%s", regionID, s.name)
		}
		if bytes.Equal(s.suffix, localRaftLogSuffix) {
			if rem, index, err := encoding.DecodeUint64Ascending(rest); err == nil && len(rem) == 0 {
				return fmt.Sprintf("/Local/Region/%d/RaftLog/%d", regionID, index)
			}
		}
		return fmt.Sprintf("/Local/Region/%d/%s%q", regionID, s.name, []byte(rest))
	}
	return fmt.Sprintf("/Local/Region/%d/%q%q", regionID, []byte(infix), []byte(b))
}
