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

package metaclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/stretchr/testify/require"
)

func testDescriptor(id regionpb.RegionID, start, end string) regionpb.RegionDescriptor {
	return regionpb.RegionDescriptor{
		RegionID: id,
		StartKey: regionpb.Key(start),
		EndKey:   regionpb.Key(end),
		Epoch:    regionpb.Epoch{Version: 1, ConfVersion: 1},
		Peers:    []regionpb.Peer{{NodeID: 1, StoreID: 1}},
	}
}

func newTestServer(t *testing.T, regions map[regionpb.RegionID]regionpb.RegionDescriptor) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/regions/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/regions/")
		if strings.HasSuffix(rest, "/digest") {
			id, err := strconv.ParseInt(strings.TrimSuffix(rest, "/digest"), 10, 64)
			require.NoError(t, err)
			desc, ok := regions[regionpb.RegionID(id)]
			if !ok {
				http.NotFound(w, r)
				return
			}
			digest := Digest{
				RegionID:     desc.RegionID,
				AppliedIndex: 42,
				Checksum:     []byte{0xde, 0xad},
			}
			require.NoError(t, json.NewEncoder(w).Encode(digest))
			return
		}
		id, err := strconv.ParseInt(rest, 10, 64)
		require.NoError(t, err)
		desc, ok := regions[regionpb.RegionID(id)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(desc))
	})
	mux.HandleFunc("/regions/key", func(w http.ResponseWriter, r *http.Request) {
		key, err := hex.DecodeString(r.URL.Query().Get("key"))
		require.NoError(t, err)
		for _, desc := range regions {
			if desc.ContainsKey(key) {
				require.NoError(t, json.NewEncoder(w).Encode(desc))
				return
			}
		}
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientGetRegion(t *testing.T) {
	ctx := context.Background()
	regions := map[regionpb.RegionID]regionpb.RegionDescriptor{
		1: testDescriptor(1, "a", "m"),
	}
	srv := newTestServer(t, regions)
	client := NewHTTPClient(srv.URL)

	desc, err := client.GetRegion(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, regions[1], *desc)

	_, err = client.GetRegion(ctx, 99)
	require.True(t, errors.Is(err, ErrRegionNotFound))
}

func TestHTTPClientGetRegionByKey(t *testing.T) {
	ctx := context.Background()
	regions := map[regionpb.RegionID]regionpb.RegionDescriptor{
		1: testDescriptor(1, "a", "m"),
		2: testDescriptor(2, "m", "z"),
	}
	srv := newTestServer(t, regions)
	client := NewHTTPClient(srv.URL)

	desc, err := client.GetRegionByKey(ctx, regionpb.Key("q"))
	require.NoError(t, err)
	require.Equal(t, regionpb.RegionID(2), desc.RegionID)

	_, err = client.GetRegionByKey(ctx, regionpb.Key("zz"))
	require.True(t, errors.Is(err, ErrRegionNotFound))
}

func TestHTTPClientDigest(t *testing.T) {
	ctx := context.Background()
	regions := map[regionpb.RegionID]regionpb.RegionDescriptor{
		1: testDescriptor(1, "a", "m"),
	}
	srv := newTestServer(t, regions)
	client := NewHTTPClient(srv.URL)

	digest, err := client.RegionDigest(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(42), digest.AppliedIndex)

	_, err = client.RegionDigest(ctx, 7, 1)
	require.True(t, errors.Is(err, ErrDigestUnavailable))
}

func TestHTTPClientRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(testDescriptor(5, "a", "b")))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, WithMaxRetries(5))
	desc, err := client.GetRegion(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, regionpb.RegionID(5), desc.RegionID)
	require.Equal(t, 3, attempts)
}

func TestHTTPClientDoesNotRetryNotFound(t *testing.T) {
	ctx := context.Background()
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, WithMaxRetries(5))
	_, err := client.GetRegion(ctx, 5)
	require.True(t, errors.Is(err, ErrRegionNotFound))
	require.Equal(t, 1, attempts)
}

func TestRegionCacheLookups(t *testing.T) {
	cache := NewRegionCache()
	cache.Insert(testDescriptor(1, "a", "f"))
	cache.Insert(testDescriptor(2, "f", "m"))
	cache.Insert(testDescriptor(3, "p", "z"))

	desc, ok := cache.LookupByKey(regionpb.Key("g"))
	require.True(t, ok)
	require.Equal(t, regionpb.RegionID(2), desc.RegionID)

	// "n" falls in the gap between region 2 and region 3.
	_, ok = cache.LookupByKey(regionpb.Key("n"))
	require.False(t, ok)

	// Exact start key hits its own region, not the left neighbor.
	desc, ok = cache.LookupByKey(regionpb.Key("f"))
	require.True(t, ok)
	require.Equal(t, regionpb.RegionID(2), desc.RegionID)

	right, ok := cache.RightNeighbor(regionpb.Key("m"))
	require.True(t, ok)
	require.Equal(t, regionpb.RegionID(3), right.RegionID)

	_, ok = cache.RightNeighbor(regionpb.Key("zz"))
	require.False(t, ok)

	var order []regionpb.RegionID
	cache.Ascend(func(d regionpb.RegionDescriptor) bool {
		order = append(order, d.RegionID)
		return true
	})
	require.Equal(t, []regionpb.RegionID{1, 2, 3}, order)
}

type countingClient struct {
	Client
	byKeyCalls int
}

func (c *countingClient) GetRegionByKey(
	ctx context.Context, key regionpb.Key,
) (*regionpb.RegionDescriptor, error) {
	c.byKeyCalls++
	return c.Client.GetRegionByKey(ctx, key)
}

func TestCachingClient(t *testing.T) {
	ctx := context.Background()
	regions := map[regionpb.RegionID]regionpb.RegionDescriptor{
		1: testDescriptor(1, "a", "m"),
	}
	srv := newTestServer(t, regions)
	inner := &countingClient{Client: NewHTTPClient(srv.URL)}
	client := NewCachingClient(inner)

	for i := 0; i < 3; i++ {
		desc, err := client.GetRegionByKey(ctx, regionpb.Key("b"))
		require.NoError(t, err)
		require.Equal(t, regionpb.RegionID(1), desc.RegionID)
	}
	require.Equal(t, 1, inner.byKeyCalls)
}
