// SPDX-License-Identifier: MIT

package segmentlead

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

func TestTakeLead_RaceHasOneWinner(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	a := identity.New("host-a")
	b := identity.New("host-b")

	wonA, err := reg.TakeLead(ctx, "seg-1", a, time.Minute)
	require.NoError(t, err)
	require.True(t, wonA)

	wonB, err := reg.TakeLead(ctx, "seg-1", b, time.Minute)
	require.NoError(t, err)
	require.False(t, wonB)
}

func TestTakeLead_ZeroTTLUsesDefault(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	self := identity.New("host-a")

	won, err := reg.TakeLead(ctx, "seg-1", self, 0)
	require.NoError(t, err)
	require.True(t, won)

	has, err := reg.HasLeadOnSegment(ctx, "seg-1", self, time.Minute)
	require.NoError(t, err)
	require.True(t, has)
}

func TestRenewAndReleaseLifecycle(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	self := identity.New("host-a")
	other := identity.New("host-b")

	won, err := reg.TakeLead(ctx, "seg-2", self, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	renewed, err := reg.RenewLead(ctx, "seg-2", self, time.Minute)
	require.NoError(t, err)
	require.True(t, renewed)

	// other cannot renew a lead it never held.
	renewed, err = reg.RenewLead(ctx, "seg-2", other, time.Minute)
	require.NoError(t, err)
	require.False(t, renewed)

	require.NoError(t, reg.ReleaseLead(ctx, "seg-2", self))

	// Released: a peer can now take the lead.
	won, err = reg.TakeLead(ctx, "seg-2", other, time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestReleaseLead_NotHolder(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	self := identity.New("host-a")
	other := identity.New("host-b")

	_, err := reg.TakeLead(ctx, "seg-3", self, time.Minute)
	require.NoError(t, err)

	err = reg.ReleaseLead(ctx, "seg-3", other)
	require.ErrorIs(t, err, ErrNotHolder)
}

func TestReleaseLead_ZeroIdentityRejected(t *testing.T) {
	reg := newRegistry(t)
	err := reg.ReleaseLead(context.Background(), "seg-4", identity.Instance{ID: uuid.Nil, Host: "host-a"})
	require.Error(t, err)
}

func TestGetLeaders_ListsOccupiedSegments(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	a := identity.New("host-a")

	_, err := reg.TakeLead(ctx, "seg-5", a, time.Minute)
	require.NoError(t, err)

	leaders, err := reg.GetLeaders(ctx)
	require.NoError(t, err)
	require.Len(t, leaders, 1)
	require.Equal(t, "seg-5", leaders[0].SegmentID)
	require.Equal(t, a.ID, leaders[0].HolderID)
}

func TestHasLeadOnSegment_OnlyHolderProbeApplies(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	self := identity.New("host-a")

	won, err := reg.TakeLead(ctx, "seg-6", self, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// Probing is itself a conditional write: the holder's own probe
	// extends its TTL in the same round trip.
	has, err := reg.HasLeadOnSegment(ctx, "seg-6", self, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, has)

	other := identity.New("host-b")
	has, err = reg.HasLeadOnSegment(ctx, "seg-6", other, time.Minute)
	require.NoError(t, err)
	require.False(t, has)

	has, err = reg.HasLeadOnSegment(ctx, "seg-does-not-exist", self, time.Minute)
	require.NoError(t, err)
	require.False(t, has)
}
