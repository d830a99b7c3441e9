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

// Package repair applies fixes for consistency findings. Every routine is
// idempotent and re-validates the finding's evidence against the store
// before mutating: a finding collected against yesterday's state must not
// drive today's repair. A finding whose damage has since healed is a no-op;
// a finding whose evidence no longer matches is refused.
package repair

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/consistency"
	"github.com/regiondb/regionctl/keys"
	"github.com/regiondb/regionctl/raftlog"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/storage/engine"
	"github.com/regiondb/regionctl/util/encoding"
	"github.com/regiondb/regionctl/util/log"
)

var (
	// ErrInsufficientAccess marks repair attempts over a read-only handle.
	ErrInsufficientAccess = errors.New("repair requires read-write access")
	// ErrRepairPrecondition marks findings whose evidence no longer matches
	// the store. Re-run the check and repair from fresh findings.
	ErrRepairPrecondition = errors.New("store state diverged from finding evidence")
)

// Result describes what a repair did.
type Result struct {
	Finding consistency.Finding `json:"finding"`
	// Changed is false when the damage had already healed and the repair
	// wrote nothing.
	Changed bool   `json:"changed"`
	Action  string `json:"action"`
}

// Engine applies repairs to one store.
type Engine struct {
	store *storage.Store
	logs  *raftlog.LogStore
}

// NewEngine returns a repair engine over the store and its raft log.
func NewEngine(store *storage.Store, logs *raftlog.LogStore) *Engine {
	return &Engine{store: store, logs: logs}
}

// RepairAll applies each finding in order, stopping at the first error.
func (e *Engine) RepairAll(
	ctx context.Context, findings []consistency.Finding,
) ([]Result, error) {
	results := make([]Result, 0, len(findings))
	for _, finding := range findings {
		result, err := e.Repair(ctx, finding)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Repair applies one finding.
func (e *Engine) Repair(ctx context.Context, finding consistency.Finding) (Result, error) {
	if e.store.ReadOnly() {
		return Result{}, errors.Mark(
			errors.Newf("r%d: repairing %s", finding.RegionID, finding.Kind),
			ErrInsufficientAccess)
	}
	switch finding.Kind {
	case consistency.OrphanedLogEntry, consistency.ReplicaDivergence:
		// These repairs write to the raft log store, which may be a separate
		// directory with its own handle.
		if e.logs.Store().ReadOnly() {
			return Result{}, errors.Mark(
				errors.Newf("r%d: repairing %s needs a writable raft log store",
					finding.RegionID, finding.Kind),
				ErrInsufficientAccess)
		}
	}
	ctx = log.AddTag(ctx, "r", finding.RegionID)
	var result Result
	var err error
	switch finding.Kind {
	case consistency.OrphanedLogEntry:
		result, err = e.repairOrphanedLog(ctx, finding)
	case consistency.MVCCChainBroken:
		result, err = e.repairMVCCChain(ctx, finding)
	case consistency.RangeGap, consistency.RangeOverlap:
		result, err = e.repairRegionBounds(ctx, finding)
	case consistency.ReplicaDivergence:
		result, err = e.repairDivergence(ctx, finding)
	default:
		return Result{}, errors.Newf("no repair routine for finding kind %q", finding.Kind)
	}
	if err != nil {
		return Result{}, err
	}
	if result.Changed {
		log.Infof(ctx, "repaired %s: %s", finding.Kind, result.Action)
	} else {
		log.Infof(ctx, "skipped %s: %s", finding.Kind, result.Action)
	}
	return result, nil
}

// repairOrphanedLog cuts the log back to its last contiguous prefix.
func (e *Engine) repairOrphanedLog(
	ctx context.Context, finding consistency.Finding,
) (Result, error) {
	ev := finding.Evidence
	last, err := e.logs.LastIndex(ctx, finding.RegionID)
	if err != nil {
		if errors.Is(err, raftlog.ErrNoLog) {
			return Result{Finding: finding, Action: "log no longer exists"}, nil
		}
		return Result{}, err
	}
	contiguous, err := e.logs.LastContiguousIndex(ctx, finding.RegionID)
	if err != nil {
		return Result{}, err
	}
	if last <= contiguous {
		return Result{Finding: finding, Action: "log is already contiguous"}, nil
	}
	if contiguous != ev.LastContiguousIndex {
		return Result{}, errors.Mark(
			errors.Newf("r%d: log is contiguous through %d now, finding saw %d",
				finding.RegionID, contiguous, ev.LastContiguousIndex), ErrRepairPrecondition)
	}
	if err := e.logs.TruncateAfter(ctx, finding.RegionID, contiguous); err != nil {
		return Result{}, err
	}
	return Result{
		Finding: finding,
		Changed: true,
		Action:  errors.Newf("truncated log after index %d", contiguous).Error(),
	}, nil
}

// repairMVCCChain reconciles a key's metadata record with its stored
// versions: the newest stored version becomes the record's timestamp, and a
// record with no versions at all is removed.
func (e *Engine) repairMVCCChain(
	ctx context.Context, finding consistency.Finding,
) (Result, error) {
	ev := finding.Evidence
	if len(ev.Key) == 0 {
		return Result{}, errors.Newf("r%d: finding carries no key", finding.RegionID)
	}
	metaKey := engine.EncodeMVCCKey(engine.MVCCKey{Key: ev.Key})

	var meta engine.MVCCMetadata
	haveMeta := true
	metaVal, err := e.store.Get(ctx, metaKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, err
		}
		haveMeta = false
	} else if err := meta.Unmarshal(metaVal); err != nil {
		return Result{}, errors.Wrapf(err, "key %s: metadata", ev.Key)
	}

	newest, haveVersion, err := e.newestVersion(ctx, ev.Key)
	if err != nil {
		return Result{}, err
	}

	switch {
	case haveMeta && !haveVersion:
		// Dangling record: the versions are gone, so the record goes too.
		if meta.Timestamp != ev.MetaTimestamp {
			return Result{}, errors.Mark(
				errors.Newf("key %s: metadata is @%d now, finding saw @%d",
					ev.Key, meta.Timestamp, ev.MetaTimestamp), ErrRepairPrecondition)
		}
		if err := e.store.Delete(ctx, metaKey); err != nil {
			return Result{}, err
		}
		return Result{
			Finding: finding,
			Changed: true,
			Action:  errors.Newf("removed dangling metadata for %s", ev.Key).Error(),
		}, nil

	case !haveMeta && haveVersion:
		// Headless chain: synthesize a record naming the newest version.
		if !ev.MissingMetadata || newest != ev.NewestVersion {
			return Result{}, errors.Mark(
				errors.Newf("key %s: newest version is @%d now, finding saw @%d",
					ev.Key, newest, ev.NewestVersion), ErrRepairPrecondition)
		}
		data, err := (&engine.MVCCMetadata{Timestamp: newest}).Marshal()
		if err != nil {
			return Result{}, err
		}
		if err := e.store.Put(ctx, metaKey, data); err != nil {
			return Result{}, err
		}
		return Result{
			Finding: finding,
			Changed: true,
			Action:  errors.Newf("wrote metadata for %s naming version @%d", ev.Key, newest).Error(),
		}, nil

	case haveMeta && haveVersion:
		if meta.Timestamp == newest {
			return Result{Finding: finding, Action: "version chain is already consistent"}, nil
		}
		if meta.Timestamp != ev.MetaTimestamp || newest != ev.NewestVersion {
			return Result{}, errors.Mark(
				errors.Newf("key %s: chain is @%d/@%d now, finding saw @%d/@%d",
					ev.Key, meta.Timestamp, newest, ev.MetaTimestamp, ev.NewestVersion),
				ErrRepairPrecondition)
		}
		meta.Timestamp = newest
		meta.Txn = nil
		data, err := meta.Marshal()
		if err != nil {
			return Result{}, err
		}
		if err := e.store.Put(ctx, metaKey, data); err != nil {
			return Result{}, err
		}
		return Result{
			Finding: finding,
			Changed: true,
			Action:  errors.Newf("pointed metadata for %s at version @%d", ev.Key, newest).Error(),
		}, nil

	default:
		return Result{Finding: finding, Action: "key no longer exists"}, nil
	}
}

// newestVersion returns the highest version timestamp stored for the key.
func (e *Engine) newestVersion(
	ctx context.Context, key regionpb.Key,
) (regionpb.Timestamp, bool, error) {
	// Versions sort directly after the key's metadata key, newest first.
	start := engine.EncodeMVCCKey(engine.MVCCKey{Key: key})
	end := engine.EncodeRawKey(key.Next())
	var newest regionpb.Timestamp
	var found bool
	err := e.store.Scan(ctx, start, end, func(rawKey, value []byte) error {
		ek, err := engine.DecodeEngineKey(rawKey)
		if err != nil || ek.IsMeta() || !ek.Key.Equal(key) {
			return nil
		}
		newest = ek.Timestamp
		found = true
		return storage.StopIteration
	})
	if err != nil {
		return 0, false, err
	}
	return newest, found, nil
}

// repairRegionBounds rewrites the descriptor at fault with the
// authoritative descriptor collected from cluster metadata. Descriptor
// conflicts resolve toward the higher epoch, so the repair refuses to
// install a descriptor older than what the store holds.
func (e *Engine) repairRegionBounds(
	ctx context.Context, finding consistency.Finding,
) (Result, error) {
	ev := finding.Evidence
	auth := ev.Authoritative
	if auth == nil {
		return Result{}, errors.Newf(
			"r%d: %s repair needs an authoritative descriptor from cluster metadata; "+
				"re-run the check with a metadata endpoint configured",
			finding.RegionID, finding.Kind)
	}
	key := keys.RegionDescriptorKey(auth.RegionID)
	var current regionpb.RegionDescriptor
	haveCurrent := true
	val, err := e.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, err
		}
		haveCurrent = false
	} else if err := current.Unmarshal(val); err != nil {
		return Result{}, errors.Wrapf(err, "r%d: stored descriptor", auth.RegionID)
	}
	if haveCurrent {
		if current.StartKey.Equal(auth.StartKey) && current.EndKey.Equal(auth.EndKey) &&
			current.Epoch == auth.Epoch {
			return Result{Finding: finding, Action: "descriptor already matches cluster metadata"}, nil
		}
		if auth.Epoch.Less(current.Epoch) {
			return Result{}, errors.Mark(
				errors.Newf("r%d: stored descriptor epoch %s is newer than authoritative %s",
					auth.RegionID, current.Epoch, auth.Epoch), ErrRepairPrecondition)
		}
	}
	data, err := auth.Marshal()
	if err != nil {
		return Result{}, err
	}
	if err := e.store.Put(ctx, key, data); err != nil {
		return Result{}, err
	}
	return Result{
		Finding: finding,
		Changed: true,
		Action:  errors.Newf("installed descriptor %s", auth).Error(),
	}, nil
}

// repairDivergence retires the local replica: its descriptor is replaced by
// a tombstone and its data and raft state are removed. The server will
// re-replicate the region from a healthy peer.
func (e *Engine) repairDivergence(
	ctx context.Context, finding consistency.Finding,
) (Result, error) {
	ev := finding.Evidence
	if ev.Local == nil {
		return Result{}, errors.Newf("r%d: divergence finding carries no local digest", finding.RegionID)
	}
	descKey := keys.RegionDescriptorKey(finding.RegionID)
	val, err := e.store.Get(ctx, descKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{Finding: finding, Action: "replica is already removed"}, nil
		}
		return Result{}, err
	}
	var desc regionpb.RegionDescriptor
	if err := desc.Unmarshal(val); err != nil {
		return Result{}, errors.Wrapf(err, "r%d: stored descriptor", finding.RegionID)
	}

	// The divergence was observed at a specific applied index. If the
	// replica has moved since, the digest comparison is stale.
	applied, err := e.store.Get(ctx, keys.RaftAppliedIndexKey(finding.RegionID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}
	var appliedIndex uint64
	if err == nil {
		if _, appliedIndex, err = encoding.DecodeUint64Ascending(applied); err != nil {
			return Result{}, errors.Wrapf(err, "r%d: applied index", finding.RegionID)
		}
	}
	if appliedIndex != ev.Local.AppliedIndex {
		return Result{}, errors.Mark(
			errors.Newf("r%d: replica is at applied index %d now, finding saw %d",
				finding.RegionID, appliedIndex, ev.Local.AppliedIndex), ErrRepairPrecondition)
	}
	// A divergence finding can also name a peer as the outlier. Retiring the
	// local replica is only correct when it is the one outvoted.
	if localAgreesWithQuorum(ev) {
		return Result{
			Finding: finding,
			Action:  "local replica agrees with the comparable quorum; repair the diverged peer on its own store",
		}, nil
	}

	// The raft log and its bookkeeping live in the log store, which may be a
	// separate directory. Clear it first: if the data-store batch below
	// fails, the descriptor and applied index survive, so the finding still
	// re-validates and the repair can re-run.
	logBatch, err := e.logs.Store().NewBatch()
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = logBatch.Close() }()
	raftStart := keys.RaftLogPrefix(finding.RegionID)
	if err := logBatch.DeleteRange(raftStart, raftStart.PrefixEnd()); err != nil {
		return Result{}, err
	}
	for _, key := range []regionpb.Key{
		keys.RaftHardStateKey(finding.RegionID),
		keys.RaftLastIndexKey(finding.RegionID),
		keys.RaftTruncatedStateKey(finding.RegionID),
	} {
		if err := logBatch.Delete(key); err != nil {
			return Result{}, err
		}
	}
	if err := logBatch.Commit(); err != nil {
		return Result{}, err
	}

	batch, err := e.store.NewBatch()
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = batch.Close() }()

	// Tombstone carries the epoch version so a stale peer cannot resurrect
	// the replica.
	if err := batch.Put(keys.RegionTombstoneKey(finding.RegionID),
		encoding.EncodeUint64Ascending(nil, desc.Epoch.Version)); err != nil {
		return Result{}, err
	}
	if err := batch.Delete(descKey); err != nil {
		return Result{}, err
	}
	if err := batch.Delete(keys.RaftAppliedIndexKey(finding.RegionID)); err != nil {
		return Result{}, err
	}
	// The replica's user data.
	span := keys.UserKeySpan(desc.Span())
	if err := batch.DeleteRange(
		engine.EncodeRawKey(span.Key), engine.EncodeRawKey(span.EndKey)); err != nil {
		return Result{}, err
	}
	if err := batch.Commit(); err != nil {
		return Result{}, err
	}
	return Result{
		Finding: finding,
		Changed: true,
		Action:  errors.Newf("tombstoned replica of %s", &desc).Error(),
	}, nil
}

// localAgreesWithQuorum recounts the finding's digest evidence. True when
// the local replica matches at least one comparable peer and the
// disagreeing peers do not outnumber the agreeing ones.
func localAgreesWithQuorum(ev consistency.Evidence) bool {
	var agree, disagree int
	for _, digest := range ev.Peers {
		if digest.AppliedIndex != ev.Local.AppliedIndex {
			continue
		}
		if bytes.Equal(digest.Checksum, ev.Local.Checksum) {
			agree++
		} else {
			disagree++
		}
	}
	return agree > 0 && disagree <= agree
}
