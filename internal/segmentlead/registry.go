// SPDX-License-Identifier: MIT

// Package segmentlead is component C: the segment-lead registry. One
// segment has at most one lead at a time; the lease is the single
// leader table row keyed by segment, and every operation here is
// exactly one coordstore round trip.
package segmentlead

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rtib/cassandra-reaper/internal/coordstore"
	"github.com/rtib/cassandra-reaper/internal/identity"
	tlog "github.com/rtib/cassandra-reaper/internal/telemetry/log"
)

// DefaultTTL is used whenever a caller passes ttl <= 0, treating zero
// as "use the default" rather than "expire immediately".
const DefaultTTL = 90 * time.Second

// ErrNotHolder is returned by ReleaseLead when called for an instance
// that does not (or no longer) hold the lead.
var ErrNotHolder = errors.New("segmentlead: instance does not hold this lead")

// Leader describes one occupied lead, as returned by GetLeaders.
type Leader struct {
	SegmentID     string
	HolderID      uuid.UUID
	HolderHost    string
	LastHeartbeat time.Time
}

// Registry is component C, built over a coordstore.Session.
type Registry struct {
	store  coordstore.Session
	logger zerolog.Logger

	insert *coordstore.Statement
	update *coordstore.Statement
	delete *coordstore.Statement
	selAll *coordstore.Statement
}

// New prepares the leader-table statements once, eagerly, so the first
// TakeLead call does not pay a compile round trip.
func New(ctx context.Context, store coordstore.Session, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{store: store, logger: logger.With().Str("component", "segmentlead").Logger()}
	var err error
	if r.insert, err = store.Prepare(ctx, coordstore.StmtLeaderInsertIfAbsent); err != nil {
		return nil, fmt.Errorf("segmentlead: prepare insert: %w", err)
	}
	if r.update, err = store.Prepare(ctx, coordstore.StmtLeaderUpdateIfHolder); err != nil {
		return nil, fmt.Errorf("segmentlead: prepare update: %w", err)
	}
	if r.delete, err = store.Prepare(ctx, coordstore.StmtLeaderDeleteIfHolder); err != nil {
		return nil, fmt.Errorf("segmentlead: prepare delete: %w", err)
	}
	if r.selAll, err = store.Prepare(ctx, coordstore.StmtLeaderSelectAll); err != nil {
		return nil, fmt.Errorf("segmentlead: prepare select: %w", err)
	}
	return r, nil
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// TakeLead attempts to become lead of segmentID. Losing the race is not
// an error: the boolean return is the only signal a caller needs.
func (r *Registry) TakeLead(ctx context.Context, segmentID string, self identity.Instance, ttl time.Duration) (bool, error) {
	res, err := r.store.Execute(ctx, r.insert, segmentID, self.ID.String(), self.Host, effectiveTTL(ttl))
	if err != nil {
		return false, fmt.Errorf("segmentlead: take lead on %s: %w", segmentID, err)
	}
	if !res.Applied {
		r.logger.Debug().Str("segment_id", segmentID).Str("instance", self.ID.String()).Msg("take lead did not apply: lead is held by another instance")
	}
	return res.Applied, nil
}

// RenewLead extends self's lead on segmentID. A renewal that fails
// because another instance now holds the lead is a correctness anomaly
// worth surfacing above the normal log level: a renew should only ever
// be attempted by the current holder, so failure here means the caller
// believed it held a lease it had already lost.
func (r *Registry) RenewLead(ctx context.Context, segmentID string, self identity.Instance, ttl time.Duration) (bool, error) {
	res, err := r.store.Execute(ctx, r.update, segmentID, self.ID.String(), self.Host, effectiveTTL(ttl), self.ID.String())
	if err != nil {
		return false, fmt.Errorf("segmentlead: renew lead on %s: %w", segmentID, err)
	}
	if !res.Applied {
		tlog.Loud(r.logger, "segment_lead_renew_lost", "renew failed: instance no longer holds the lead", map[string]any{
			"segment_id": segmentID,
			"instance":   self.ID.String(),
		})
	}
	return res.Applied, nil
}

// HasLeadOnSegment is a structural synonym for RenewLead: checking
// lead on a segment and renewing it are the same conditional write, so
// this calls renew directly rather than reading the leader table. The
// act of probing is also the act of refreshing — a holder that calls
// this on its own still-valid lease extends it in the same round trip.
func (r *Registry) HasLeadOnSegment(ctx context.Context, segmentID string, self identity.Instance, ttl time.Duration) (bool, error) {
	return r.RenewLead(ctx, segmentID, self, ttl)
}

// GetLeaders lists every occupied lead, for introspection/debugging.
func (r *Registry) GetLeaders(ctx context.Context) ([]Leader, error) {
	res, err := r.store.Execute(ctx, r.selAll)
	if err != nil {
		return nil, fmt.Errorf("segmentlead: get leaders: %w", err)
	}
	out := make([]Leader, 0, len(res.Rows))
	for _, row := range res.Rows {
		id, err := uuid.Parse(row["reaper_instance_id"])
		if err != nil {
			continue // a row with a malformed holder id cannot be attributed; skip rather than fail the whole list
		}
		hb, _ := time.Parse(time.RFC3339, row["last_heartbeat"])
		out = append(out, Leader{
			SegmentID:     row["leader_id"],
			HolderID:      id,
			HolderHost:    row["reaper_instance_host"],
			LastHeartbeat: hb,
		})
	}
	return out, nil
}

// ReleaseLead gives up self's lead on segmentID. A zero-value self.ID
// is a programmer error, rejected before it reaches the store rather
// than silently matching nothing.
func (r *Registry) ReleaseLead(ctx context.Context, segmentID string, self identity.Instance) error {
	if self.ID == uuid.Nil {
		return fmt.Errorf("segmentlead: release lead on %s: %w", segmentID, errZeroIdentity)
	}
	res, err := r.store.Execute(ctx, r.delete, segmentID, self.ID.String())
	if err != nil {
		return fmt.Errorf("segmentlead: release lead on %s: %w", segmentID, err)
	}
	if !res.Applied {
		return fmt.Errorf("segmentlead: release lead on %s: %w", segmentID, ErrNotHolder)
	}
	return nil
}

var errZeroIdentity = errors.New("release called with a zero-value instance identity")
