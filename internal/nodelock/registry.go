// SPDX-License-Identifier: MIT

// Package nodelock is component D: the node-lock registry. It
// serializes repairs by the data-owning nodes they touch, batching the
// whole replica set of a segment into one atomic conditional write
// rather than a per-node loop.
package nodelock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rtib/cassandra-reaper/internal/coordstore"
	"github.com/rtib/cassandra-reaper/internal/identity"
	tlog "github.com/rtib/cassandra-reaper/internal/telemetry/log"
)

// DefaultTTL mirrors segmentlead.DefaultTTL: every statement template
// defaults to a 90 second hold, not just the leader table.
const DefaultTTL = 90 * time.Second

// Registry is component D, built over a coordstore.Session.
type Registry struct {
	store  coordstore.Session
	logger zerolog.Logger

	write  *coordstore.Statement
	selRun *coordstore.Statement
}

// New prepares the running_repairs statements once.
func New(ctx context.Context, store coordstore.Session, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{store: store, logger: logger.With().Str("component", "nodelock").Logger()}
	var err error
	if r.write, err = store.Prepare(ctx, coordstore.StmtRunningRepairsWrite); err != nil {
		return nil, fmt.Errorf("nodelock: prepare write: %w", err)
	}
	if r.selRun, err = store.Prepare(ctx, coordstore.StmtRunningRepairsSelect); err != nil {
		return nil, fmt.Errorf("nodelock: prepare select: %w", err)
	}
	return r, nil
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func (r *Registry) rows(seg Segment, self identity.Instance, ttl time.Duration) []coordstore.RunningRepairsWriteRow {
	out := make([]coordstore.RunningRepairsWriteRow, len(seg.Replicas))
	for i, node := range seg.Replicas {
		out[i] = coordstore.RunningRepairsWriteRow{
			RepairID:   seg.RepairID,
			Node:       node,
			HolderID:   self.ID.String(),
			HolderHost: self.Host,
			SegmentID:  seg.SegmentID.String(),
			TTL:        effectiveTTL(ttl),
		}
	}
	return out
}

// LockRunningRepairsForNodes attempts to acquire every (repair_id,
// node) row for seg.Replicas atomically. A false return means the
// batch lost the race against a conflicting holder; it is not an
// error, and no row in the batch was modified.
func (r *Registry) LockRunningRepairsForNodes(ctx context.Context, seg Segment, self identity.Instance, ttl time.Duration) (bool, error) {
	res, err := r.store.ExecuteBatch(ctx, r.write, coordstore.ModeAcquire, r.rows(seg, self, ttl))
	if err != nil {
		return false, fmt.Errorf("nodelock: lock %s/%s: %w", seg.RepairID, seg.SegmentID, err)
	}
	if !res.Applied {
		r.logConflict("lock", seg, res)
	}
	return res.Applied, nil
}

// RenewRunningRepairsForNodes extends self's hold on every node in
// seg.Replicas. A failed renewal is a correctness anomaly (some or all
// of the batch is no longer held by self) and is logged loudly.
func (r *Registry) RenewRunningRepairsForNodes(ctx context.Context, seg Segment, self identity.Instance, ttl time.Duration) (bool, error) {
	res, err := r.store.ExecuteBatch(ctx, r.write, coordstore.ModeRenew, r.rows(seg, self, ttl))
	if err != nil {
		return false, fmt.Errorf("nodelock: renew %s/%s: %w", seg.RepairID, seg.SegmentID, err)
	}
	if !res.Applied {
		tlog.Loud(r.logger, "node_lock_renew_lost", "renew failed: instance no longer holds every node in this segment", map[string]any{
			"repair_id":  seg.RepairID,
			"segment_id": seg.SegmentID.String(),
			"instance":   self.ID.String(),
		})
	}
	return res.Applied, nil
}

// ReleaseRunningRepairsForNodes resets every (repair_id, node) row in
// seg.Replicas to unowned, conditional on self currently holding it.
// The TTL is rewritten rather than deleting the row, so the released
// row remains a sentinel a subsequent lock can observe.
func (r *Registry) ReleaseRunningRepairsForNodes(ctx context.Context, seg Segment, self identity.Instance, ttl time.Duration) (bool, error) {
	res, err := r.store.ExecuteBatch(ctx, r.write, coordstore.ModeRelease, r.rows(seg, self, ttl))
	if err != nil {
		return false, fmt.Errorf("nodelock: release %s/%s: %w", seg.RepairID, seg.SegmentID, err)
	}
	if !res.Applied {
		r.logConflict("release", seg, res)
	}
	return res.Applied, nil
}

// HasLeadOnSegment is a structural synonym for
// RenewRunningRepairsForNodes over seg's own replica set: checking lead
// on a segment and renewing it are the same batched condition, so this
// calls renew directly rather than duplicating it.
func (r *Registry) HasLeadOnSegment(ctx context.Context, seg Segment, self identity.Instance, ttl time.Duration) (bool, error) {
	return r.RenewRunningRepairsForNodes(ctx, seg, self, ttl)
}

// GetLockedSegmentsForRun returns the set of segment UUIDs currently
// locked anywhere for repairID (rows whose holder is non-null).
func (r *Registry) GetLockedSegmentsForRun(ctx context.Context, repairID string) ([]string, error) {
	rows, err := r.lockedRows(ctx, repairID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, row := range rows {
		seg := row["segment_id"]
		if seg == "" || seen[seg] {
			continue
		}
		seen[seg] = true
		out = append(out, seg)
	}
	return out, nil
}

// GetLockedNodesForRun returns the set of node strings with non-null
// holders for repairID.
func (r *Registry) GetLockedNodesForRun(ctx context.Context, repairID string) ([]string, error) {
	rows, err := r.lockedRows(ctx, repairID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["node"])
	}
	return out, nil
}

func (r *Registry) lockedRows(ctx context.Context, repairID string) ([]coordstore.Row, error) {
	res, err := r.store.Execute(ctx, r.selRun, repairID)
	if err != nil {
		return nil, fmt.Errorf("nodelock: get locked state for %s: %w", repairID, err)
	}
	out := make([]coordstore.Row, 0, len(res.Rows))
	for _, row := range res.Rows {
		if row["reaper_instance_id"] == "" {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// logConflict surfaces the one diagnostic row the store returns on a
// failed batch at debug level: losing an acquire/release race is not
// an error, unlike a lost renewal.
func (r *Registry) logConflict(verb string, seg Segment, res coordstore.Result) {
	ev := r.logger.Debug().
		Str("verb", verb).
		Str("repair_id", seg.RepairID).
		Str("segment_id", seg.SegmentID.String())
	if len(res.Rows) > 0 {
		row := res.Rows[0]
		ev = ev.
			Str("conflict_node", row["node"]).
			Str("conflict_holder_id", row["holder_instance_id"]).
			Str("conflict_holder_host", row["holder_instance_host"]).
			Str("conflict_segment_id", row["segment_id"])
	}
	ev.Msg("batch did not apply: at least one node is held by another instance")
}
