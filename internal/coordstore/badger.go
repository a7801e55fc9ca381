// SPDX-License-Identifier: MIT

package coordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/rtib/cassandra-reaper/internal/telemetry/metrics"
	"github.com/rtib/cassandra-reaper/internal/telemetry/tracing"
)

// BadgerSession is a second Session backend: an embedded, single-
// process store with no network round trip at all, using a
// transaction-guarded compare-and-set (Txn.Get + SetEntry(...).
// WithTTL). Useful for a single-instance deployment or for exercising
// the registries without a Redis dependency; it cannot itself
// demonstrate multi-instance contention since there is only one
// process holding the database file (or, for tests, the in-memory
// instance).
type BadgerSession struct {
	db      *badger.DB
	logger  zerolog.Logger
	backend string
}

// NewBadgerSession opens (or creates) a Badger database at dir. An
// empty dir opens an in-memory instance, used by this package's tests.
func NewBadgerSession(dir string, logger zerolog.Logger) (*BadgerSession, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("coordstore: badger open: %w", err)
	}
	return &BadgerSession{db: db, logger: logger, backend: "badger"}, nil
}

type leaderEnvelope struct {
	HolderID   string    `json:"holder_id"`
	HolderHost string    `json:"holder_host"`
	Heartbeat  time.Time `json:"heartbeat"`
}

type runningRepairEnvelope struct {
	HolderID   string `json:"holder_id"`
	HolderHost string `json:"holder_host"`
	SegmentID  string `json:"segment_id"`
}

func (s *BadgerSession) Prepare(ctx context.Context, name string) (*Statement, error) {
	if !knownStatements[name] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStatement, name)
	}
	return &Statement{name: name}, nil
}

func (s *BadgerSession) Execute(ctx context.Context, stmt *Statement, params ...any) (res Result, err error) {
	start := time.Now()
	_, span := tracing.StartRoundTrip(ctx, s.backend, stmt.name)
	defer func() {
		tracing.EndRoundTrip(span, res.Applied, len(res.Rows), err)
		metrics.ObserveStoreOp(s.backend, stmt.name, start, res.Applied, err)
	}()

	switch stmt.name {
	case StmtLeaderInsertIfAbsent:
		res, err = s.leaderInsert(params)
	case StmtLeaderUpdateIfHolder:
		res, err = s.leaderUpdate(params)
	case StmtLeaderDeleteIfHolder:
		res, err = s.leaderDelete(params)
	case StmtRunningRepairsSelect:
		res, err = s.runningRepairsSelect(params)
	case StmtLeaderSelectAll:
		res, err = s.leaderSelectAll()
	case StmtRunningReapersSelect:
		res, err = s.runningReapersSelect()
	default:
		err = fmt.Errorf("%w: %s is batch-only", ErrBadParams, stmt.name)
	}
	return res, err
}

func (s *BadgerSession) leaderInsert(params []any) (Result, error) {
	if len(params) != 4 {
		return Result{}, fmt.Errorf("%w: leader_insert_if_absent wants (leaderID, holderID, holderHost, ttl)", ErrBadParams)
	}
	leaderID, holderID, holderHost, ttl, ok := asLeaderInsertParams(params)
	if !ok {
		return Result{}, ErrBadParams
	}
	key := []byte(leaderKey(leaderID))
	env := leaderEnvelope{HolderID: holderID, HolderHost: holderHost, Heartbeat: time.Now().UTC()}
	buf, _ := json.Marshal(env)

	applied := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // row present: not applied, no error
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		applied = true
		return txn.SetEntry(badger.NewEntry(key, buf).WithTTL(ttl))
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: applied}, nil
}

func (s *BadgerSession) leaderUpdate(params []any) (Result, error) {
	if len(params) != 5 {
		return Result{}, fmt.Errorf("%w: leader_update_if_holder wants (leaderID, newHolderID, newHolderHost, ttl, expectedHolderID)", ErrBadParams)
	}
	leaderID, ok1 := params[0].(string)
	newHolderID, ok2 := params[1].(string)
	newHolderHost, ok3 := params[2].(string)
	ttl, ok4 := params[3].(time.Duration)
	expectedHolderID, ok5 := params[4].(string)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return Result{}, ErrBadParams
	}
	key := []byte(leaderKey(leaderID))
	env := leaderEnvelope{HolderID: newHolderID, HolderHost: newHolderHost, Heartbeat: time.Now().UTC()}
	buf, _ := json.Marshal(env)

	applied := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur leaderEnvelope
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &cur) }); err != nil {
			return err
		}
		if cur.HolderID != expectedHolderID {
			return nil
		}
		applied = true
		return txn.SetEntry(badger.NewEntry(key, buf).WithTTL(ttl))
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: applied}, nil
}

func (s *BadgerSession) leaderDelete(params []any) (Result, error) {
	if len(params) != 2 {
		return Result{}, fmt.Errorf("%w: leader_delete_if_holder wants (leaderID, expectedHolderID)", ErrBadParams)
	}
	leaderID, ok1 := params[0].(string)
	expectedHolderID, ok2 := params[1].(string)
	if !(ok1 && ok2) {
		return Result{}, ErrBadParams
	}
	key := []byte(leaderKey(leaderID))
	applied := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur leaderEnvelope
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &cur) }); err != nil {
			return err
		}
		if cur.HolderID != expectedHolderID {
			return nil
		}
		applied = true
		return txn.Delete(key)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: applied}, nil
}

func (s *BadgerSession) leaderSelectAll() (Result, error) {
	var rows []Row
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("leader:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			var env leaderEnvelope
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &env) }); err != nil {
				return err
			}
			rows = append(rows, Row{
				"leader_id":            strings.TrimPrefix(key, "leader:"),
				"reaper_instance_id":   env.HolderID,
				"reaper_instance_host": env.HolderHost,
				"last_heartbeat":       env.Heartbeat.Format(time.RFC3339),
			})
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Rows: rows, Applied: true}, nil
}

func (s *BadgerSession) runningReapersSelect() (Result, error) {
	var rows []Row
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("running_reapers:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rows = append(rows, Row{"reaper_instance_id": strings.TrimPrefix(key, "running_reapers:")})
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Rows: rows, Applied: true}, nil
}

func (s *BadgerSession) runningRepairsSelect(params []any) (Result, error) {
	if len(params) != 1 {
		return Result{}, fmt.Errorf("%w: running_repairs_select_by_run wants (repairID)", ErrBadParams)
	}
	repairID, ok := params[0].(string)
	if !ok {
		return Result{}, ErrBadParams
	}
	prefix := []byte(runningRepairKey(repairID, ""))
	var rows []Row
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			var env runningRepairEnvelope
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &env) }); err != nil {
				return err
			}
			rows = append(rows, Row{
				"repair_id":            repairID,
				"node":                 strings.TrimPrefix(key, string(prefix)),
				"reaper_instance_host": env.HolderHost,
				"reaper_instance_id":   env.HolderID,
				"segment_id":           env.SegmentID,
			})
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Rows: rows, Applied: true}, nil
}

func (s *BadgerSession) ExecuteBatch(ctx context.Context, stmt *Statement, mode RunningRepairsWriteMode, rows []RunningRepairsWriteRow) (res Result, err error) {
	start := time.Now()
	_, span := tracing.StartRoundTrip(ctx, s.backend, stmt.name+":"+string(mode))
	defer func() {
		tracing.EndRoundTrip(span, res.Applied, len(res.Rows), err)
		metrics.ObserveStoreOp(s.backend, stmt.name, start, res.Applied, err)
	}()

	if stmt.name != StmtRunningRepairsWrite {
		return Result{}, fmt.Errorf("%w: %s has no batch form", ErrBadParams, stmt.name)
	}
	if len(rows) == 0 {
		return Result{Applied: true}, nil
	}

	var conflict Row
	err = s.db.Update(func(txn *badger.Txn) error {
		// First pass: every row's condition must hold, or none apply.
		// Badger's single transaction gives this the same all-or-nothing
		// guarantee the Redis backend's Lua script gives.
		for _, r := range rows {
			key := []byte(runningRepairKey(r.RepairID, r.Node))
			item, err := txn.Get(key)
			var cur runningRepairEnvelope
			if errors.Is(err, badger.ErrKeyNotFound) {
				// absent row reads as unowned
			} else if err != nil {
				return err
			} else if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &cur) }); err != nil {
				return err
			}

			holderMatches := cur.HolderID == r.HolderID
			if mode == ModeAcquire {
				holderMatches = cur.HolderID == ""
			}
			if !holderMatches {
				conflict = Row{
					"node":                 r.Node,
					"holder_instance_id":   orUnknown(cur.HolderID),
					"holder_instance_host": orUnknown(cur.HolderHost),
					"segment_id":           orUnknown(cur.SegmentID),
				}
				return nil
			}
		}

		// Second pass: apply every row's write.
		for _, r := range rows {
			key := []byte(runningRepairKey(r.RepairID, r.Node))
			var env runningRepairEnvelope
			if mode != ModeRelease {
				env = runningRepairEnvelope{HolderID: r.HolderID, HolderHost: r.HolderHost, SegmentID: r.SegmentID}
			}
			buf, _ := json.Marshal(env)
			if err := txn.SetEntry(badger.NewEntry(key, buf).WithTTL(r.TTL)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if conflict != nil {
		return Result{Applied: false, Rows: []Row{conflict}}, nil
	}
	return Result{Applied: true}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (s *BadgerSession) Close() error {
	return s.db.Close()
}

var _ Session = (*BadgerSession)(nil)
