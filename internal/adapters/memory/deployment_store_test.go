package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployq/internal/domain"
	"deployq/internal/ports"
	"deployq/internal/testutil"
)

func TestDeploymentStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewDeploymentStore(0)
	owner := testutil.NewTestOwner()
	state := testutil.NewTestState(owner, time.Now())

	require.NoError(t, store.Create(ctx, state))
	assert.Equal(t, int64(1), state.Version)
	assert.ErrorIs(t, store.Create(ctx, state), domain.ErrAlreadyExists)

	got, err := store.Get(ctx, state.DeploymentID, owner.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	got.Stage = "mutated"
	again, err := store.Get(ctx, state.DeploymentID, owner.Key())
	require.NoError(t, err)
	assert.Equal(t, "queued", again.Stage, "reads return copies")

	missing, err := store.Get(ctx, state.DeploymentID, "someone:else")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, again.Transition(domain.StatusValidating, "validating", time.Now()))
	require.NoError(t, store.Update(ctx, again))
	assert.Equal(t, int64(2), again.Version)
	assert.ErrorIs(t, store.Update(ctx, got), domain.ErrVersionConflict)

	require.NoError(t, store.Delete(ctx, state.DeploymentID, owner.Key()))
	assert.ErrorIs(t, store.Delete(ctx, state.DeploymentID, owner.Key()), domain.ErrDeploymentNotFound)
	assert.ErrorIs(t, store.Update(ctx, again), domain.ErrDeploymentNotFound)
}

func TestDeploymentStore_ListPages(t *testing.T) {
	ctx := context.Background()
	store := NewDeploymentStore(0)
	owner := testutil.NewTestOwner()
	base := time.Now().UTC()

	var want []string
	for i := 0; i < 5; i++ {
		s := testutil.NewTestState(owner, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Create(ctx, s))
		want = append([]string{s.DeploymentID}, want...)
	}
	require.NoError(t, store.Create(ctx, testutil.NewTestState(testutil.NewTestOwner(), base)))

	var got []string
	token := ""
	pages := 0
	for {
		page, next, err := store.List(ctx, owner.Key(), ports.ListFilter{Limit: 2}, token)
		require.NoError(t, err)
		pages++
		for _, s := range page {
			got = append(got, s.DeploymentID)
		}
		if next == "" {
			break
		}
		token = next
	}
	assert.Equal(t, want, got, "newest first, no gaps or repeats")
	assert.Equal(t, 3, pages)

	_, _, err := store.List(ctx, owner.Key(), ports.ListFilter{}, "!!")
	assert.Error(t, err)
}

func TestDeploymentStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewDeploymentStore(time.Hour)
	owner := testutil.NewTestOwner()
	now := time.Now().UTC()

	live := testutil.NewTestState(owner, now)
	require.NoError(t, store.Create(ctx, live))

	done := testutil.NewTestState(owner, now)
	require.NoError(t, done.Transition(domain.StatusCancelled, "", now))
	require.NoError(t, store.Create(ctx, done))

	n, err := store.PurgeExpired(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.PurgeExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, live.DeploymentID, owner.Key())
	require.NoError(t, err)
	assert.NotNil(t, got, "live deployments are never purged")

	n, err = NewDeploymentStore(0).PurgeExpired(ctx, now.Add(time.Hour*1000))
	require.NoError(t, err)
	assert.Zero(t, n)
}
