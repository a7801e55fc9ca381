// SPDX-License-Identifier: MIT

package directory

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rtib/cassandra-reaper/internal/coordstore"
)

func newDirectory(t *testing.T) (*Directory, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := coordstore.NewRedisSessionFromClient(client, zerolog.New(io.Discard))
	dir, err := New(context.Background(), store)
	require.NoError(t, err)
	return dir, mr
}

func TestCountRunningReapers_EmptyClampsToOne(t *testing.T) {
	dir, _ := newDirectory(t)
	n, err := dir.CountRunningReapers(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCountRunningReapers_TwoRegistered(t *testing.T) {
	dir, mr := newDirectory(t)
	require.NoError(t, mr.Set("running_reapers:11111111-1111-1111-1111-111111111111", ""))
	require.NoError(t, mr.Set("running_reapers:22222222-2222-2222-2222-222222222222", ""))

	n, err := dir.CountRunningReapers(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ids, err := dir.GetRunningReapers(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)
}
