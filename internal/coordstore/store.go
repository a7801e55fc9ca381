// SPDX-License-Identifier: MIT

// Package coordstore is the store client (component A): a thin adapter
// that prepares parameterized statements once and executes them with
// linearizable, conditional ("LWT") semantics against the coordination
// store. It surfaces failures only as store-level errors and performs
// no retries on conditional writes — a retry after a successful apply
// would misreport success as failure and break the leader/running-
// repairs invariants the registries built on top of it depend on.
package coordstore

import (
	"context"
	"errors"
	"time"
)

// Row is one returned record. Values are strings: every column in the
// abridged schema (§6) is a UUID, a display string, or a timestamp
// rendered as text, so a flat string map carries all of it without a
// backend-specific row type leaking into the registries.
type Row map[string]string

// Result is the outcome of executing a statement.
type Result struct {
	Rows []Row
	// Applied reports whether the statement's LWT condition held. For
	// plain reads (no condition), Applied is always true.
	Applied bool
}

// Statement is a parameterized operation compiled once by Prepare and
// reused for every subsequent Execute/ExecuteBatch call naming it.
type Statement struct {
	name string
}

// Name of the prepared statement, useful for logging/metrics.
func (s *Statement) Name() string { return s.name }

// The seven named statement templates, so a backend can dispatch on
// them.
const (
	StmtLeaderInsertIfAbsent = "leader_insert_if_absent"
	StmtLeaderUpdateIfHolder = "leader_update_if_holder"
	StmtLeaderDeleteIfHolder = "leader_delete_if_holder"
	StmtRunningRepairsWrite  = "running_repairs_write" // mode param: acquire|renew|release
	StmtRunningRepairsSelect = "running_repairs_select_by_run"
	StmtLeaderSelectAll      = "leader_select_all"
	StmtRunningReapersSelect = "running_reapers_select_ids"
)

var knownStatements = map[string]bool{
	StmtLeaderInsertIfAbsent: true,
	StmtLeaderUpdateIfHolder: true,
	StmtLeaderDeleteIfHolder: true,
	StmtRunningRepairsWrite:  true,
	StmtRunningRepairsSelect: true,
	StmtLeaderSelectAll:      true,
	StmtRunningReapersSelect: true,
}

// ErrUnknownStatement is returned by Prepare for a name outside the
// seven known templates.
var ErrUnknownStatement = errors.New("coordstore: unknown statement")

// RunningRepairsWriteMode distinguishes the three conditions the single
// running_repairs write template is bound under: the same batch shape,
// with a different row condition per mode.
type RunningRepairsWriteMode string

const (
	ModeAcquire RunningRepairsWriteMode = "acquire" // prior holder must be absent/empty
	ModeRenew   RunningRepairsWriteMode = "renew"   // prior holder must equal self
	ModeRelease RunningRepairsWriteMode = "release" // prior holder must equal self; writes nulls
)

// Session prepares and executes statements against the coordination
// store with linearizable semantics. Every conditional write is exactly
// one round trip (ExecuteBatch included — it is still a single call);
// the enumeration reads may take several (the Redis backend scans keys
// and then fetches each one). Calls may block for their duration; there
// are no internal timers, retries, or background loops.
type Session interface {
	// Prepare compiles a named statement template once; repeated calls
	// with the same name return an equivalent, already-compiled
	// Statement without recompiling.
	Prepare(ctx context.Context, name string) (*Statement, error)

	// Execute binds params to stmt (in the order documented by the
	// matching template) and executes it.
	Execute(ctx context.Context, stmt *Statement, params ...any) (Result, error)

	// ExecuteBatch executes stmt once per row atomically as a single
	// conditional transition: Applied is true iff every row's condition
	// held, in which case every row's write took effect; otherwise
	// none did. On failure, Rows carries one diagnostic row describing
	// the first row that blocked the batch (node, holder instance,
	// holder host, segment_id), "unknown" substituted for any field
	// the backend could not determine.
	ExecuteBatch(ctx context.Context, stmt *Statement, mode RunningRepairsWriteMode, rows []RunningRepairsWriteRow) (Result, error)

	Close() error
}

// RunningRepairsWriteRow is one bound row of a running_repairs batch
// write: the (repair_id, node) target plus the shared holder/segment/
// ttl values every row in the batch is conditioned and written with.
type RunningRepairsWriteRow struct {
	RepairID   string
	Node       string
	HolderID   string
	HolderHost string
	SegmentID  string
	TTL        time.Duration
}
