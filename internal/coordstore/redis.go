// SPDX-License-Identifier: MIT

package coordstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rtib/cassandra-reaper/internal/telemetry/metrics"
	"github.com/rtib/cassandra-reaper/internal/telemetry/tracing"
)

// ErrBadParams is returned when Execute/ExecuteBatch is called with a
// parameter shape that does not match the statement's documented
// template. This is a programmer error, not a store error.
var ErrBadParams = errors.New("coordstore: parameters do not match statement template")

// RedisConfig configures a RedisSession connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisSession is the primary Session backend: the coordination store
// is a Redis instance (or cluster), leader/running-repair rows are
// Redis hashes, and every conditional write is a server-side Lua
// script — the atomic, single-round-trip substrate this module grounds
// "LWT" on.
type RedisSession struct {
	client  *redis.Client
	logger  zerolog.Logger
	backend string

	prepared map[string]bool
}

// NewRedisSession dials the coordination store and verifies
// connectivity: bounded dial/read/write timeouts, a small connection
// pool, structured connect logging.
func NewRedisSession(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisSession, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		// Conditional writes must never be silently replayed by the
		// transport: a replay after a successful apply would read as
		// a conflict against the row it just wrote and misreport
		// success as failure. go-redis reads 0 as "use the default of 3
		// retries"; -1 is what turns retries off.
		MaxRetries: -1,
	})

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(dialCtx).Err(); err != nil {
		return nil, fmt.Errorf("coordstore: redis connect: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to coordination store")

	return &RedisSession{
		client:   client,
		logger:   logger,
		backend:  "redis",
		prepared: make(map[string]bool),
	}, nil
}

// NewRedisSessionFromClient wraps an already-constructed client,
// primarily so tests can point a RedisSession at a miniredis instance.
func NewRedisSessionFromClient(client *redis.Client, logger zerolog.Logger) *RedisSession {
	return &RedisSession{client: client, logger: logger, backend: "redis", prepared: make(map[string]bool)}
}

func (s *RedisSession) Prepare(ctx context.Context, name string) (*Statement, error) {
	if !knownStatements[name] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStatement, name)
	}
	if !s.prepared[name] {
		if script := scriptForStatement(name); script != nil {
			if err := script.Load(ctx, s.client).Err(); err != nil {
				return nil, fmt.Errorf("coordstore: prepare %s: %w", name, err)
			}
		}
		s.prepared[name] = true
	}
	return &Statement{name: name}, nil
}

func scriptForStatement(name string) *redis.Script {
	switch name {
	case StmtLeaderInsertIfAbsent:
		return scriptLeaderInsertIfAbsent
	case StmtLeaderUpdateIfHolder:
		return scriptLeaderUpdateIfHolder
	case StmtLeaderDeleteIfHolder:
		return scriptLeaderDeleteIfHolder
	case StmtRunningRepairsWrite:
		return scriptRunningRepairsWrite
	default:
		return nil // plain reads: no script
	}
}

func leaderKey(leaderID string) string { return "leader:" + leaderID }

func runningRepairKey(repairID, node string) string {
	return "running_repairs:{" + repairID + "}:" + node
}

func (s *RedisSession) Execute(ctx context.Context, stmt *Statement, params ...any) (res Result, err error) {
	start := time.Now()
	ctx, span := tracing.StartRoundTrip(ctx, s.backend, stmt.name)
	defer func() {
		tracing.EndRoundTrip(span, res.Applied, len(res.Rows), err)
		metrics.ObserveStoreOp(s.backend, stmt.name, start, res.Applied, err)
	}()

	switch stmt.name {
	case StmtLeaderInsertIfAbsent:
		res, err = s.execLeaderInsert(ctx, params)
	case StmtLeaderUpdateIfHolder:
		res, err = s.execLeaderUpdate(ctx, params)
	case StmtLeaderDeleteIfHolder:
		res, err = s.execLeaderDelete(ctx, params)
	case StmtRunningRepairsSelect:
		res, err = s.execRunningRepairsSelect(ctx, params)
	case StmtLeaderSelectAll:
		res, err = s.execLeaderSelectAll(ctx)
	case StmtRunningReapersSelect:
		res, err = s.execRunningReapersSelect(ctx)
	default:
		err = fmt.Errorf("%w: %s is batch-only", ErrBadParams, stmt.name)
	}
	return res, err
}

func (s *RedisSession) execLeaderInsert(ctx context.Context, params []any) (Result, error) {
	if len(params) != 4 {
		return Result{}, fmt.Errorf("%w: leader_insert_if_absent wants (leaderID, holderID, holderHost, ttl)", ErrBadParams)
	}
	leaderID, holderID, holderHost, ttl, ok := asLeaderInsertParams(params)
	if !ok {
		return Result{}, ErrBadParams
	}
	now := time.Now().UTC().Format(time.RFC3339)
	applied, err := scriptLeaderInsertIfAbsent.Run(ctx, s.client,
		[]string{leaderKey(leaderID)}, holderID, holderHost, ttlSeconds(ttl), now).Int()
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: applied == 1}, nil
}

func asLeaderInsertParams(params []any) (leaderID, holderID, holderHost string, ttl time.Duration, ok bool) {
	leaderID, ok1 := params[0].(string)
	holderID, ok2 := params[1].(string)
	holderHost, ok3 := params[2].(string)
	ttl, ok4 := params[3].(time.Duration)
	return leaderID, holderID, holderHost, ttl, ok1 && ok2 && ok3 && ok4
}

func (s *RedisSession) execLeaderUpdate(ctx context.Context, params []any) (Result, error) {
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
	now := time.Now().UTC().Format(time.RFC3339)
	applied, err := scriptLeaderUpdateIfHolder.Run(ctx, s.client,
		[]string{leaderKey(leaderID)}, ttlSeconds(ttl), newHolderID, newHolderHost, expectedHolderID, now).Int()
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: applied == 1}, nil
}

func (s *RedisSession) execLeaderDelete(ctx context.Context, params []any) (Result, error) {
	if len(params) != 2 {
		return Result{}, fmt.Errorf("%w: leader_delete_if_holder wants (leaderID, expectedHolderID)", ErrBadParams)
	}
	leaderID, ok1 := params[0].(string)
	expectedHolderID, ok2 := params[1].(string)
	if !(ok1 && ok2) {
		return Result{}, ErrBadParams
	}
	applied, err := scriptLeaderDeleteIfHolder.Run(ctx, s.client,
		[]string{leaderKey(leaderID)}, expectedHolderID).Int()
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: applied == 1}, nil
}

func (s *RedisSession) execRunningRepairsSelect(ctx context.Context, params []any) (Result, error) {
	if len(params) != 1 {
		return Result{}, fmt.Errorf("%w: running_repairs_select_by_run wants (repairID)", ErrBadParams)
	}
	repairID, ok := params[0].(string)
	if !ok {
		return Result{}, ErrBadParams
	}
	prefix := runningRepairKey(repairID, "")
	keys, err := s.scanKeys(ctx, prefix+"*")
	if err != nil {
		return Result{}, err
	}
	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		h, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return Result{}, err
		}
		node := strings.TrimPrefix(key, prefix)
		rows = append(rows, Row{
			"repair_id":            repairID,
			"node":                 node,
			"reaper_instance_host": h["reaper_instance_host"],
			"reaper_instance_id":   h["reaper_instance_id"],
			"segment_id":           h["segment_id"],
		})
	}
	return Result{Rows: rows, Applied: true}, nil
}

func (s *RedisSession) execLeaderSelectAll(ctx context.Context) (Result, error) {
	keys, err := s.scanKeys(ctx, "leader:*")
	if err != nil {
		return Result{}, err
	}
	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		h, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return Result{}, err
		}
		rows = append(rows, Row{
			"leader_id":            key[len("leader:"):],
			"reaper_instance_id":   h["reaper_instance_id"],
			"reaper_instance_host": h["reaper_instance_host"],
			"last_heartbeat":       h["last_heartbeat"],
		})
	}
	return Result{Rows: rows, Applied: true}, nil
}

func (s *RedisSession) execRunningReapersSelect(ctx context.Context) (Result, error) {
	keys, err := s.scanKeys(ctx, "running_reapers:*")
	if err != nil {
		return Result{}, err
	}
	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, Row{"reaper_instance_id": key[len("running_reapers:"):]})
	}
	return Result{Rows: rows, Applied: true}, nil
}

func (s *RedisSession) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisSession) ExecuteBatch(ctx context.Context, stmt *Statement, mode RunningRepairsWriteMode, rows []RunningRepairsWriteRow) (res Result, err error) {
	start := time.Now()
	ctx, span := tracing.StartRoundTrip(ctx, s.backend, stmt.name+":"+string(mode))
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

	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = runningRepairKey(r.RepairID, r.Node)
	}
	shared := rows[0]
	raw, err := scriptRunningRepairsWrite.Run(ctx, s.client, keys,
		string(mode), ttlSeconds(shared.TTL), shared.HolderID, shared.HolderHost, shared.SegmentID).Result()
	if err != nil {
		return Result{}, err
	}

	out, ok := raw.([]any)
	if !ok || len(out) == 0 {
		return Result{}, fmt.Errorf("coordstore: malformed batch reply")
	}
	applied, _ := out[0].(int64)
	if applied == 1 {
		return Result{Applied: true}, nil
	}
	return Result{Applied: false, Rows: []Row{diagnosticRow(out, shared.RepairID)}}, nil
}

// diagnosticRow builds the conflict row returned alongside a failed
// conditional batch, substituting "unknown" for any field the backend
// could not determine. The script returns the conflicting entry's full
// key in reply[1]; this strips it down to the bare node so the row
// matches the Badger backend's shape.
func diagnosticRow(reply []any, repairID string) Row {
	field := func(i int) string {
		if i >= len(reply) {
			return "unknown"
		}
		s, ok := reply[i].(string)
		if !ok || s == "" {
			return "unknown"
		}
		return s
	}
	node := field(1)
	if node != "unknown" {
		node = strings.TrimPrefix(node, runningRepairKey(repairID, ""))
	}
	return Row{
		"node":                 node,
		"holder_instance_id":   field(2),
		"holder_instance_host": field(3),
		"segment_id":           field(4),
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64(ttl / time.Second)
}

func (s *RedisSession) Close() error {
	return s.client.Close()
}

var _ Session = (*RedisSession)(nil)
