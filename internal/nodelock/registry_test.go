// SPDX-License-Identifier: MIT

package nodelock

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rtib/cassandra-reaper/internal/coordstore"
	"github.com/rtib/cassandra-reaper/internal/identity"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := coordstore.NewRedisSessionFromClient(client, zerolog.New(io.Discard))
	reg, err := New(context.Background(), store, zerolog.New(io.Discard))
	require.NoError(t, err)
	return reg
}

func newBadgerRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := coordstore.NewBadgerSession("", zerolog.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reg, err := New(context.Background(), store, zerolog.New(io.Discard))
	require.NoError(t, err)
	return reg
}

func TestLockRunningRepairsForNodes_BatchAllOrNothing(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	a := identity.New("host-a")
	b := identity.New("host-b")

	seg1 := Segment{RepairID: "run-1", SegmentID: uuid.New(), Replicas: []string{"n1", "n2", "n3"}}
	locked, err := reg.LockRunningRepairsForNodes(ctx, seg1, a, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	// A second segment touching one overlapping node must not acquire
	// any of its rows.
	seg2 := Segment{RepairID: "run-1", SegmentID: uuid.New(), Replicas: []string{"n3", "n4"}}
	locked, err = reg.LockRunningRepairsForNodes(ctx, seg2, b, time.Minute)
	require.NoError(t, err)
	require.False(t, locked)

	nodes, err := reg.GetLockedNodesForRun(ctx, "run-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2", "n3"}, nodes, "n4 must not have been partially acquired")
}

func TestRenewAndReleaseLifecycle(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	self := identity.New("host-a")

	seg := Segment{RepairID: "run-2", SegmentID: uuid.New(), Replicas: []string{"n1", "n2"}}
	locked, err := reg.LockRunningRepairsForNodes(ctx, seg, self, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	renewed, err := reg.RenewRunningRepairsForNodes(ctx, seg, self, time.Minute)
	require.NoError(t, err)
	require.True(t, renewed)

	released, err := reg.ReleaseRunningRepairsForNodes(ctx, seg, self, time.Minute)
	require.NoError(t, err)
	require.True(t, released)

	segments, err := reg.GetLockedSegmentsForRun(ctx, "run-2")
	require.NoError(t, err)
	require.Empty(t, segments, "released rows must no longer report a holder")

	// A peer can now lock the released nodes.
	other := identity.New("host-b")
	seg2 := Segment{RepairID: "run-2", SegmentID: uuid.New(), Replicas: []string{"n1", "n2"}}
	locked, err = reg.LockRunningRepairsForNodes(ctx, seg2, other, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestLockRunningRepairsForNodes_PeerConflictThenLock(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	a := identity.New("host-a")
	b := identity.New("host-b")

	seg := Segment{RepairID: "run-3", SegmentID: uuid.New(), Replicas: []string{"n1"}}
	locked, err := reg.LockRunningRepairsForNodes(ctx, seg, a, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	conflicting := Segment{RepairID: "run-3", SegmentID: uuid.New(), Replicas: []string{"n1"}}
	locked, err = reg.LockRunningRepairsForNodes(ctx, conflicting, b, time.Minute)
	require.NoError(t, err)
	require.False(t, locked)

	_, err = reg.ReleaseRunningRepairsForNodes(ctx, seg, a, time.Minute)
	require.NoError(t, err)

	locked, err = reg.LockRunningRepairsForNodes(ctx, conflicting, b, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestHasLeadOnSegment(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	self := identity.New("host-a")
	other := identity.New("host-b")

	seg := Segment{RepairID: "run-4", SegmentID: uuid.New(), Replicas: []string{"n1", "n2"}}
	_, err := reg.LockRunningRepairsForNodes(ctx, seg, self, time.Minute)
	require.NoError(t, err)

	has, err := reg.HasLeadOnSegment(ctx, seg, self, time.Minute)
	require.NoError(t, err)
	require.True(t, has)

	has, err = reg.HasLeadOnSegment(ctx, seg, other, time.Minute)
	require.NoError(t, err)
	require.False(t, has)
}

func TestLockRunningRepairsForNodes_Badger(t *testing.T) {
	reg := newBadgerRegistry(t)
	ctx := context.Background()
	a := identity.New("host-a")

	seg := Segment{RepairID: "run-5", SegmentID: uuid.New(), Replicas: []string{"n1", "n2"}}
	locked, err := reg.LockRunningRepairsForNodes(ctx, seg, a, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	// This is the regression the Badger backend's prefix scan must not
	// silently miss: a held run must be found by GetLockedSegmentsForRun
	// / GetLockedNodesForRun under the same key it was written under.
	segments, err := reg.GetLockedSegmentsForRun(ctx, "run-5")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{seg.SegmentID.String()}, segments)

	nodes, err := reg.GetLockedNodesForRun(ctx, "run-5")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2"}, nodes)
}

func TestGetLockedSegmentsAndNodesForRun_Empty(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	segments, err := reg.GetLockedSegmentsForRun(ctx, "run-nonexistent")
	require.NoError(t, err)
	require.Empty(t, segments)

	nodes, err := reg.GetLockedNodesForRun(ctx, "run-nonexistent")
	require.NoError(t, err)
	require.Empty(t, nodes)
}
