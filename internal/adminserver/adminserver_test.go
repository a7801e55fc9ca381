// SPDX-License-Identifier: MIT

package adminserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rtib/cassandra-reaper/internal/coordstore"
	"github.com/rtib/cassandra-reaper/internal/directory"
	"github.com/rtib/cassandra-reaper/internal/identity"
	"github.com/rtib/cassandra-reaper/internal/nodelock"
	"github.com/rtib/cassandra-reaper/internal/segmentlead"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := coordstore.NewRedisSessionFromClient(client, zerolog.New(io.Discard))
	ctx := context.Background()

	leaders, err := segmentlead.New(ctx, store, zerolog.New(io.Discard))
	require.NoError(t, err)
	locks, err := nodelock.New(ctx, store, zerolog.New(io.Discard))
	require.NoError(t, err)
	dir, err := directory.New(ctx, store)
	require.NoError(t, err)

	self := identity.New("host-a")
	_, err = leaders.TakeLead(ctx, "seg-1", self, time.Minute)
	require.NoError(t, err)

	srv := New(Config{RateLimitRPS: 0}, Deps{Leaders: leaders, Locks: locks, Directory: dir}, zerolog.New(io.Discard))
	return srv.httpServer.Handler
}

func TestHealthz(t *testing.T) {
	handler := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugLeaders(t *testing.T) {
	handler := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/leaders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "seg-1")
}

func TestDebugLocks_RequiresRepairID(t *testing.T) {
	handler := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/locks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugReapers(t *testing.T) {
	handler := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/reapers", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":1`)
}
