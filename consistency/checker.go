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

package consistency

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/keys"
	"github.com/regiondb/regionctl/metaclient"
	"github.com/regiondb/regionctl/raftlog"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/storage/engine"
	"github.com/regiondb/regionctl/util/log"
	"golang.org/x/sync/errgroup"
)

// ErrNeedReadOnly is returned by CheckReplicas when the store handle is
// read-write. Comparing digests over the network can take minutes; holding
// the store's exclusive lock for that long starves the server, so the check
// demands a shared-lock handle.
var ErrNeedReadOnly = errors.New("replica check requires a read-only store handle")

// Checker runs consistency checks against one store. It never mutates.
type Checker struct {
	store   *storage.Store
	logs    *raftlog.LogStore
	meta    metaclient.Client
	storeID regionpb.StoreID
}

// Option configures a Checker.
type Option func(*Checker)

// WithMetaClient enables the checks that need cluster metadata: descriptor
// cross-validation and the replica digest comparison. storeID names this
// store in peer lists.
func WithMetaClient(meta metaclient.Client, storeID regionpb.StoreID) Option {
	return func(c *Checker) {
		c.meta = meta
		c.storeID = storeID
	}
}

// NewChecker returns a checker over the given store and its raft log.
func NewChecker(store *storage.Store, logs *raftlog.LogStore, opts ...Option) *Checker {
	c := &Checker{store: store, logs: logs}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadDescriptors reads every region descriptor present in the store,
// ordered by start key. A tombstoned replica has no descriptor and does not
// appear.
func LoadDescriptors(
	ctx context.Context, store *storage.Store,
) ([]regionpb.RegionDescriptor, error) {
	var descs []regionpb.RegionDescriptor
	start := keys.LocalRegionIDPrefix
	end := start.PrefixEnd()
	err := store.Scan(ctx, start, end, func(key, value []byte) error {
		regionID, err := keys.DecodeRegionDescriptorKey(regionpb.Key(key))
		if err != nil {
			// Not a descriptor key; the range also holds tombstones and raft
			// bookkeeping.
			return nil
		}
		var desc regionpb.RegionDescriptor
		if err := desc.Unmarshal(value); err != nil {
			return errors.Wrapf(err, "r%d: unmarshaling descriptor", regionID)
		}
		if desc.RegionID != regionID {
			return errors.Newf("descriptor under key for r%d names r%d", regionID, desc.RegionID)
		}
		descs = append(descs, desc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].StartKey.Less(descs[j].StartKey)
	})
	return descs, nil
}

// CheckAll runs every check the checker is configured for and returns the
// combined findings. The replica check runs only when a metadata client was
// supplied and the store handle is read-only.
func (c *Checker) CheckAll(ctx context.Context) ([]Finding, error) {
	descs, err := LoadDescriptors(ctx, c.store)
	if err != nil {
		return nil, err
	}
	findings := c.CheckRegionBounds(ctx, descs)
	stray, err := c.CheckStrayKeys(ctx, descs)
	if err != nil {
		return nil, err
	}
	findings = append(findings, stray...)
	for i := range descs {
		desc := &descs[i]
		regionCtx := log.AddTag(ctx, "r", desc.RegionID)
		mvcc, err := c.CheckMVCC(regionCtx, desc)
		if err != nil {
			return nil, err
		}
		findings = append(findings, mvcc...)
		logFindings, err := c.CheckRaftLog(regionCtx, desc)
		if err != nil {
			return nil, err
		}
		findings = append(findings, logFindings...)
		if c.meta != nil && c.store.ReadOnly() {
			divergence, err := c.CheckReplicas(regionCtx, desc)
			if err != nil {
				if errors.Is(err, metaclient.ErrDigestUnavailable) {
					log.Warningf(regionCtx, "skipping replica check: %v", err)
					continue
				}
				return nil, err
			}
			findings = append(findings, divergence...)
		}
	}
	return findings, nil
}

// CheckRegionBounds verifies that the store's descriptors tile the key space
// without gaps or overlaps. descs must be sorted by start key, as returned
// by LoadDescriptors.
func (c *Checker) CheckRegionBounds(
	ctx context.Context, descs []regionpb.RegionDescriptor,
) []Finding {
	var findings []Finding
	for i := 1; i < len(descs); i++ {
		left, right := &descs[i-1], &descs[i]
		switch cmp := left.EndKey.Compare(right.StartKey); {
		case cmp < 0:
			gap := regionpb.Span{Key: left.EndKey, EndKey: right.StartKey}
			findings = append(findings, Finding{
				Kind:     RangeGap,
				RegionID: left.RegionID,
				Detail: errors.Newf("no region covers %s between r%d and r%d",
					gap, left.RegionID, right.RegionID).Error(),
				Evidence: Evidence{
					Left:          cloneDesc(left),
					Right:         cloneDesc(right),
					Span:          &gap,
					Authoritative: c.authoritativeDescriptor(ctx, gap.Key),
				},
			})
		case cmp > 0:
			overlap := regionpb.Span{Key: right.StartKey, EndKey: left.EndKey}
			findings = append(findings, Finding{
				Kind:     RangeOverlap,
				RegionID: right.RegionID,
				Detail: errors.Newf("r%d and r%d both claim %s",
					left.RegionID, right.RegionID, overlap).Error(),
				Evidence: Evidence{
					Left:          cloneDesc(left),
					Right:         cloneDesc(right),
					Span:          &overlap,
					Authoritative: c.authoritativeDescriptor(ctx, overlap.Key),
				},
			})
		}
	}
	return findings
}

// CheckStrayKeys scans the parts of the user key space that no descriptor
// covers. A key stored there is unreachable: no region will ever serve it
// or garbage-collect it. descs must be sorted by start key, as returned by
// LoadDescriptors.
func (c *Checker) CheckStrayKeys(
	ctx context.Context, descs []regionpb.RegionDescriptor,
) ([]Finding, error) {
	var findings []Finding

	// firstStray reports the first user key stored inside the uncovered
	// span. One key per hole is enough evidence; repair reinstalls the
	// covering descriptor, not individual keys.
	firstStray := func(span regionpb.Span) (regionpb.Key, error) {
		start := engine.EncodeRawKey(span.Key)
		end := engine.EncodeRawKey(regionpb.KeyMax)
		if span.EndKey != nil {
			end = engine.EncodeRawKey(span.EndKey)
		}
		var stray regionpb.Key
		err := c.store.Scan(ctx, start, end, func(rawKey, _ []byte) error {
			ek, err := engine.DecodeEngineKey(rawKey)
			if err != nil {
				// Undecodable framed keys have no owning region either; cite
				// the raw bytes.
				stray = append(regionpb.Key(nil), rawKey...)
				return storage.StopIteration
			}
			stray = append(regionpb.Key(nil), ek.Key...)
			return storage.StopIteration
		})
		return stray, err
	}

	if len(descs) == 0 {
		stray, err := firstStray(regionpb.Span{})
		if err != nil {
			return nil, err
		}
		if stray != nil {
			span := regionpb.Span{}
			findings = append(findings, Finding{
				Kind: RangeGap,
				Detail: errors.Newf("store holds user key %s but no region descriptors",
					stray).Error(),
				Evidence: Evidence{Key: stray, Span: &span},
			})
		}
		return findings, nil
	}

	if len(descs[0].StartKey) > 0 {
		hole := regionpb.Span{EndKey: descs[0].StartKey}
		stray, err := firstStray(hole)
		if err != nil {
			return nil, err
		}
		if stray != nil {
			findings = append(findings, Finding{
				Kind:     RangeOverlap,
				RegionID: descs[0].RegionID,
				Detail: errors.Newf("store holds key %s before r%d's start %s",
					stray, descs[0].RegionID, descs[0].StartKey).Error(),
				Evidence: Evidence{
					Key:           stray,
					Span:          &hole,
					Right:         cloneDesc(&descs[0]),
					Authoritative: c.authoritativeDescriptor(ctx, stray),
				},
			})
		}
	}

	// Walk the covered frontier rightward. Overlapping descriptors only
	// advance it; CheckRegionBounds reports the overlap itself.
	left := &descs[0]
	frontier := descs[0].EndKey
	for i := 1; i < len(descs); i++ {
		next := &descs[i]
		if frontier.Less(next.StartKey) {
			hole := regionpb.Span{Key: frontier, EndKey: next.StartKey}
			stray, err := firstStray(hole)
			if err != nil {
				return nil, err
			}
			if stray != nil {
				findings = append(findings, Finding{
					Kind:     RangeGap,
					RegionID: left.RegionID,
					Detail: errors.Newf("store holds key %s in %s, which no region covers",
						stray, hole).Error(),
					Evidence: Evidence{
						Key:           stray,
						Span:          &hole,
						Left:          cloneDesc(left),
						Right:         cloneDesc(next),
						Authoritative: c.authoritativeDescriptor(ctx, stray),
					},
				})
			}
		}
		if frontier.Less(next.EndKey) {
			left = next
			frontier = next.EndKey
		}
	}

	tail := regionpb.Span{Key: frontier}
	stray, err := firstStray(tail)
	if err != nil {
		return nil, err
	}
	if stray != nil {
		findings = append(findings, Finding{
			Kind:     RangeOverlap,
			RegionID: left.RegionID,
			Detail: errors.Newf("store holds key %s beyond r%d's end %s",
				stray, left.RegionID, frontier).Error(),
			Evidence: Evidence{
				Key:           stray,
				Span:          &tail,
				Left:          cloneDesc(left),
				Authoritative: c.authoritativeDescriptor(ctx, stray),
			},
		})
	}
	return findings, nil
}

// authoritativeDescriptor asks cluster metadata which region owns key.
// Best effort: without a metadata client, or when the lookup fails, repair
// will have to resolve ownership itself.
func (c *Checker) authoritativeDescriptor(
	ctx context.Context, key regionpb.Key,
) *regionpb.RegionDescriptor {
	if c.meta == nil {
		return nil
	}
	desc, err := c.meta.GetRegionByKey(ctx, key)
	if err != nil {
		log.Warningf(ctx, "cluster metadata lookup for %s failed: %v", key, err)
		return nil
	}
	return desc
}

func cloneDesc(desc *regionpb.RegionDescriptor) *regionpb.RegionDescriptor {
	out := *desc
	out.Peers = append([]regionpb.Peer(nil), desc.Peers...)
	return &out
}

// CheckMVCC walks the region's user data verifying each key's version
// chain: a metadata record must precede the versions, must name the newest
// version's timestamp, and must not dangle without versions.
func (c *Checker) CheckMVCC(
	ctx context.Context, desc *regionpb.RegionDescriptor,
) ([]Finding, error) {
	span := keys.UserKeySpan(desc.Span())
	start := engine.EncodeRawKey(span.Key)
	end := engine.EncodeRawKey(span.EndKey)

	var findings []Finding
	// State for the key group currently being walked.
	var curKey regionpb.Key
	var haveMeta bool
	var meta engine.MVCCMetadata
	var versionCount int

	finishGroup := func() {
		if curKey == nil {
			return
		}
		if haveMeta && versionCount == 0 {
			findings = append(findings, Finding{
				Kind:     MVCCChainBroken,
				RegionID: desc.RegionID,
				Detail: errors.Newf("key %s: metadata names version @%d but no versions exist",
					curKey, meta.Timestamp).Error(),
				Evidence: Evidence{Key: curKey, MetaTimestamp: meta.Timestamp},
			})
		}
	}

	err := c.store.Scan(ctx, start, end, func(rawKey, value []byte) error {
		ek, err := engine.DecodeEngineKey(rawKey)
		if err != nil {
			findings = append(findings, Finding{
				Kind:     MVCCChainBroken,
				RegionID: desc.RegionID,
				Detail:   errors.Wrap(err, "undecodable engine key").Error(),
				Evidence: Evidence{Key: append(regionpb.Key(nil), rawKey...)},
			})
			return nil
		}
		if !ek.Key.Equal(curKey) {
			finishGroup()
			curKey = append(regionpb.Key(nil), ek.Key...)
			haveMeta = false
			versionCount = 0
			meta = engine.MVCCMetadata{}
		}
		if ek.IsMeta() {
			if err := meta.Unmarshal(value); err != nil {
				findings = append(findings, Finding{
					Kind:     MVCCChainBroken,
					RegionID: desc.RegionID,
					Detail:   errors.Wrapf(err, "key %s: undecodable metadata", ek.Key).Error(),
					Evidence: Evidence{Key: curKey},
				})
				return nil
			}
			haveMeta = true
			return nil
		}
		versionCount++
		if !haveMeta {
			findings = append(findings, Finding{
				Kind:     MVCCChainBroken,
				RegionID: desc.RegionID,
				Detail: errors.Newf("key %s: version @%d has no metadata record",
					ek.Key, ek.Timestamp).Error(),
				Evidence: Evidence{
					Key:             curKey,
					NewestVersion:   ek.Timestamp,
					MissingMetadata: true,
				},
			})
			// Report once per key group.
			haveMeta = true
			return nil
		}
		if versionCount == 1 && ek.Timestamp != meta.Timestamp {
			findings = append(findings, Finding{
				Kind:     MVCCChainBroken,
				RegionID: desc.RegionID,
				Detail: errors.Newf("key %s: metadata names version @%d but newest version is @%d",
					ek.Key, meta.Timestamp, ek.Timestamp).Error(),
				Evidence: Evidence{
					Key:           curKey,
					MetaTimestamp: meta.Timestamp,
					NewestVersion: ek.Timestamp,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "r%d: walking version chains", desc.RegionID)
	}
	finishGroup()
	return findings, nil
}

// CheckRaftLog looks for entries stranded past a hole or damaged record.
// Replay stops at the break, so everything beyond it is unreachable.
func (c *Checker) CheckRaftLog(
	ctx context.Context, desc *regionpb.RegionDescriptor,
) ([]Finding, error) {
	last, err := c.logs.LastIndex(ctx, desc.RegionID)
	if err != nil {
		if errors.Is(err, raftlog.ErrNoLog) {
			return nil, nil
		}
		return nil, err
	}
	contiguous, err := c.logs.LastContiguousIndex(ctx, desc.RegionID)
	if err != nil {
		return nil, err
	}
	if last <= contiguous {
		return nil, nil
	}
	return []Finding{{
		Kind:     OrphanedLogEntry,
		RegionID: desc.RegionID,
		Detail: errors.Newf("log is contiguous through %d but entries exist up to %d",
			contiguous, last).Error(),
		Evidence: Evidence{
			LastContiguousIndex: contiguous,
			OrphanFrom:          contiguous + 1,
			OrphanTo:            last + 1,
		},
	}}, nil
}

// CheckReplicas compares this store's digest for the region against its
// peers. Peers are queried concurrently; a peer at a different applied
// index is not comparable and is skipped. When the local replica is in the
// minority among comparable digests it is flagged for retirement; when it
// agrees with the quorum, each diverged peer is flagged instead.
func (c *Checker) CheckReplicas(
	ctx context.Context, desc *regionpb.RegionDescriptor,
) ([]Finding, error) {
	if c.meta == nil {
		return nil, errors.New("replica check requires a cluster metadata client")
	}
	if !c.store.ReadOnly() {
		return nil, errors.Mark(
			errors.Newf("r%d: refusing to hold the store's exclusive lock across network calls",
				desc.RegionID), ErrNeedReadOnly)
	}
	local, err := ComputeLocalDigest(ctx, c.store, c.storeID, desc)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var peerDigests []metaclient.Digest
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range desc.Peers {
		if peer.StoreID == c.storeID {
			continue
		}
		peer := peer
		g.Go(func() error {
			digest, err := c.meta.RegionDigest(gctx, desc.RegionID, peer.StoreID)
			if err != nil {
				return errors.Wrapf(err, "r%d: digest from s%d", desc.RegionID, peer.StoreID)
			}
			mu.Lock()
			defer mu.Unlock()
			peerDigests = append(peerDigests, digest)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(peerDigests, func(i, j int) bool {
		return peerDigests[i].StoreID < peerDigests[j].StoreID
	})

	var agree, disagree int
	for _, digest := range peerDigests {
		if digest.AppliedIndex != local.AppliedIndex {
			log.VEventf(ctx, "s%d is at applied index %d, local is at %d; not comparable",
				digest.StoreID, digest.AppliedIndex, local.AppliedIndex)
			continue
		}
		if string(digest.Checksum) == string(local.Checksum) {
			agree++
		} else {
			disagree++
		}
	}
	if disagree == 0 {
		return nil, nil
	}
	if disagree <= agree {
		// The local replica sits in the quorum; the minority peers are the
		// outliers. Flag each one, but repair must happen on its own store.
		var findings []Finding
		for _, digest := range peerDigests {
			if digest.AppliedIndex != local.AppliedIndex ||
				string(digest.Checksum) == string(local.Checksum) {
				continue
			}
			findings = append(findings, Finding{
				Kind:     ReplicaDivergence,
				RegionID: desc.RegionID,
				Detail: errors.Newf("s%d disagrees with the %d-replica quorum at applied index %d",
					digest.StoreID, agree+1, local.AppliedIndex).Error(),
				Evidence: Evidence{Local: &local, Peers: peerDigests},
			})
		}
		return findings, nil
	}
	return []Finding{{
		Kind:     ReplicaDivergence,
		RegionID: desc.RegionID,
		Detail: errors.Newf("local replica disagrees with %d of %d comparable peers at applied index %d",
			disagree, agree+disagree, local.AppliedIndex).Error(),
		Evidence: Evidence{Local: &local, Peers: peerDigests},
	}}, nil
}
