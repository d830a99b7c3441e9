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
	"sync"

	"github.com/google/btree"
	"github.com/regiondb/regionctl/regionpb"
)

// RegionCache is a descriptor cache ordered by region start key. Consistency
// checks walk a store's regions in key order and repeatedly ask for each
// region's left and right neighbor; the cache answers those lookups without
// another round trip.
type RegionCache struct {
	mu   sync.Mutex
	tree *btree.BTree
}

type cacheItem struct {
	desc regionpb.RegionDescriptor
}

func (i *cacheItem) Less(other btree.Item) bool {
	return i.desc.StartKey.Less(other.(*cacheItem).desc.StartKey)
}

// NewRegionCache returns an empty cache.
func NewRegionCache() *RegionCache {
	return &RegionCache{tree: btree.New(8)}
}

// Insert adds or replaces the descriptor with the same start key.
func (c *RegionCache) Insert(desc regionpb.RegionDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.ReplaceOrInsert(&cacheItem{desc: desc})
}

// Len returns the number of cached descriptors.
func (c *RegionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}

// LookupByKey returns the cached descriptor whose range contains key.
func (c *RegionCache) LookupByKey(key regionpb.Key) (regionpb.RegionDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *cacheItem
	pivot := &cacheItem{desc: regionpb.RegionDescriptor{StartKey: key.Next()}}
	c.tree.DescendLessOrEqual(pivot, func(item btree.Item) bool {
		found = item.(*cacheItem)
		return false
	})
	if found == nil || !found.desc.ContainsKey(key) {
		return regionpb.RegionDescriptor{}, false
	}
	return found.desc, true
}

// RightNeighbor returns the cached descriptor starting at or after the given
// end key, the candidate for the region to the right.
func (c *RegionCache) RightNeighbor(endKey regionpb.Key) (regionpb.RegionDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *cacheItem
	pivot := &cacheItem{desc: regionpb.RegionDescriptor{StartKey: endKey}}
	c.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		found = item.(*cacheItem)
		return false
	})
	if found == nil {
		return regionpb.RegionDescriptor{}, false
	}
	return found.desc, true
}

// Ascend visits cached descriptors in start key order until fn returns
// false.
func (c *RegionCache) Ascend(fn func(desc regionpb.RegionDescriptor) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*cacheItem).desc)
	})
}

// CachingClient wraps a Client, filling a RegionCache from descriptor reads
// and serving repeat lookups from it.
type CachingClient struct {
	Client
	cache *RegionCache
}

// NewCachingClient wraps client with a fresh cache.
func NewCachingClient(client Client) *CachingClient {
	return &CachingClient{Client: client, cache: NewRegionCache()}
}

// Cache exposes the underlying cache.
func (c *CachingClient) Cache() *RegionCache {
	return c.cache
}

// GetRegionByKey serves from the cache when it can.
func (c *CachingClient) GetRegionByKey(
	ctx context.Context, key regionpb.Key,
) (*regionpb.RegionDescriptor, error) {
	if desc, ok := c.cache.LookupByKey(key); ok {
		return &desc, nil
	}
	desc, err := c.Client.GetRegionByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Insert(*desc)
	return desc, nil
}

// ScanRegions fills the cache as a side effect.
func (c *CachingClient) ScanRegions(
	ctx context.Context, span regionpb.Span, limit int,
) ([]regionpb.RegionDescriptor, error) {
	descs, err := c.Client.ScanRegions(ctx, span, limit)
	if err != nil {
		return nil, err
	}
	for _, desc := range descs {
		c.cache.Insert(desc)
	}
	return descs, nil
}
