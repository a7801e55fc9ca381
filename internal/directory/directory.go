// SPDX-License-Identifier: MIT

// Package directory is component E: the live-instance directory, a
// read-only view of the running_reapers table. It never writes to that
// table — registering and heartbeating a running
// instance is the responsibility of whatever process maintains that
// row, outside this module's scope.
package directory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rtib/cassandra-reaper/internal/coordstore"
	"github.com/rtib/cassandra-reaper/internal/telemetry/metrics"
)

// Directory is component E, built over a coordstore.Session.
type Directory struct {
	store coordstore.Session

	selAll *coordstore.Statement
}

// New prepares the running_reapers read statement once.
func New(ctx context.Context, store coordstore.Session) (*Directory, error) {
	d := &Directory{store: store}
	stmt, err := store.Prepare(ctx, coordstore.StmtRunningReapersSelect)
	if err != nil {
		return nil, fmt.Errorf("directory: prepare: %w", err)
	}
	d.selAll = stmt
	return d, nil
}

// GetRunningReapers lists every instance ID currently enumerated in
// the running_reapers table. No consistency guarantee beyond the
// store's default; callers must tolerate stale entries.
func (d *Directory) GetRunningReapers(ctx context.Context) ([]uuid.UUID, error) {
	res, err := d.store.Execute(ctx, d.selAll)
	if err != nil {
		return nil, fmt.Errorf("directory: get running reapers: %w", err)
	}
	out := make([]uuid.UUID, 0, len(res.Rows))
	for _, row := range res.Rows {
		id, err := uuid.Parse(row["reaper_instance_id"])
		if err != nil {
			continue // a malformed row cannot be attributed to an instance; skip it
		}
		out = append(out, id)
	}
	return out, nil
}

// CountRunningReapers returns max(1, |running_reapers|): the clamp
// ensures an isolated instance never divides concurrency by zero. The
// returned count is also recorded in metrics.RunningReapersGauge.
func (d *Directory) CountRunningReapers(ctx context.Context) (int, error) {
	ids, err := d.GetRunningReapers(ctx)
	if err != nil {
		return 0, err
	}
	n := len(ids)
	if n < 1 {
		n = 1
	}
	metrics.RunningReapersGauge.Set(float64(n))
	return n, nil
}
