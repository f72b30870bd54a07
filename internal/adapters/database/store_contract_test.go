package database

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

type contractStore interface {
	ports.DeploymentStore
	ports.RetentionPurger
}

// runStoreContract exercises behaviour every DeploymentStore must share.
// Each case uses its own owner so cases never see each other's rows. The
// store under test must be built with a 24h retention.
func runStoreContract(t *testing.T, store contractStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		state := testutil.NewTestState(owner, time.Now())

		require.NoError(t, store.Create(ctx, state))
		assert.Equal(t, int64(1), state.Version)

		got, err := store.Get(ctx, state.DeploymentID, owner.Key())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, state.DeploymentID, got.DeploymentID)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, owner, got.Owner)
		assert.Equal(t, state.Params.TargetID, got.Config.TargetID)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, state.StartedAt.Equal(got.StartedAt))
	})

	t.Run("get missing returns nil", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		state := testutil.NewTestState(owner, time.Now())
		require.NoError(t, store.Create(ctx, state))

		got, err := store.Get(ctx, "does-not-exist", owner.Key())
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = store.Get(ctx, state.DeploymentID, testutil.NewTestOwner().Key())
		require.NoError(t, err)
		assert.Nil(t, got, "another owner must not see the deployment")
	})

	t.Run("create duplicate", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		state := testutil.NewTestState(owner, time.Now())
		require.NoError(t, store.Create(ctx, state))

		dup := *state
		err := store.Create(ctx, &dup)
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("update bumps version", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		state := testutil.NewTestState(owner, time.Now())
		require.NoError(t, store.Create(ctx, state))

		require.NoError(t, state.Transition(domain.StatusValidating, "validating", time.Now()))
		state.RecordStep(domain.StepResult{Name: domain.StepValidate, Success: true, DurationMs: 12}, time.Now())
		require.NoError(t, store.Update(ctx, state))
		assert.Equal(t, int64(2), state.Version)

		got, err := store.Get(ctx, state.DeploymentID, owner.Key())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusValidating, got.Status)
		assert.Equal(t, int64(2), got.Version)
		assert.True(t, got.Succeeded(domain.StepValidate))
	})

	t.Run("stale update conflicts", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		state := testutil.NewTestState(owner, time.Now())
		require.NoError(t, store.Create(ctx, state))

		first, err := store.Get(ctx, state.DeploymentID, owner.Key())
		require.NoError(t, err)
		second, err := store.Get(ctx, state.DeploymentID, owner.Key())
		require.NoError(t, err)

		first.Stage = "first"
		require.NoError(t, store.Update(ctx, first))

		second.Stage = "second"
		assert.ErrorIs(t, store.Update(ctx, second), domain.ErrVersionConflict)
		assert.Equal(t, int64(1), second.Version)
	})

	t.Run("update missing", func(t *testing.T) {
		state := testutil.NewTestState(testutil.NewTestOwner(), time.Now())
		state.Version = 1
		assert.ErrorIs(t, store.Update(ctx, state), domain.ErrDeploymentNotFound)
	})

	t.Run("list pages newest first", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		base := time.Now().Add(-time.Hour)
		var ids []string
		for i := 0; i < 5; i++ {
			state := testutil.NewTestState(owner, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, store.Create(ctx, state))
			ids = append([]string{state.DeploymentID}, ids...)
		}
		require.NoError(t, store.Create(ctx, testutil.NewTestState(testutil.NewTestOwner(), base)))

		var seen []string
		token := ""
		pages := 0
		for {
			page, next, err := store.List(ctx, owner.Key(), ports.ListFilter{Limit: 2}, token)
			require.NoError(t, err)
			for _, s := range page {
				seen = append(seen, s.DeploymentID)
			}
			pages++
			if next == "" {
				break
			}
			token = next
		}
		assert.Equal(t, ids, seen)
		assert.Equal(t, 3, pages)
	})

	t.Run("list filters by status", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		failed := testutil.NewTestState(owner, time.Now())
		require.NoError(t, store.Create(ctx, failed))
		require.NoError(t, failed.Fail(domain.NewValidationError("bad target"), time.Now()))
		require.NoError(t, store.Update(ctx, failed))
		require.NoError(t, store.Create(ctx, testutil.NewTestState(owner, time.Now())))

		page, next, err := store.List(ctx, owner.Key(), ports.ListFilter{Status: domain.StatusFailed}, "")
		require.NoError(t, err)
		assert.Empty(t, next)
		require.Len(t, page, 1)
		assert.Equal(t, failed.DeploymentID, page[0].DeploymentID)
		require.NotNil(t, page[0].Error)
		assert.Equal(t, domain.CodeValidation, page[0].Error.Code)
	})

	t.Run("list rejects bad token", func(t *testing.T) {
		_, _, err := store.List(ctx, testutil.NewTestOwner().Key(), ports.ListFilter{}, "%%%")
		assert.Error(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		state := testutil.NewTestState(owner, time.Now())
		require.NoError(t, store.Create(ctx, state))

		require.NoError(t, store.Delete(ctx, state.DeploymentID, owner.Key()))
		got, err := store.Get(ctx, state.DeploymentID, owner.Key())
		require.NoError(t, err)
		assert.Nil(t, got)

		assert.ErrorIs(t, store.Delete(ctx, state.DeploymentID, owner.Key()), domain.ErrDeploymentNotFound)
	})

	t.Run("purge expired", func(t *testing.T) {
		owner := testutil.NewTestOwner()
		now := time.Now()

		old := testutil.NewTestState(owner, now.Add(-72*time.Hour))
		require.NoError(t, store.Create(ctx, old))
		require.NoError(t, old.Fail(domain.NewValidationError("bad"), now.Add(-48*time.Hour)))
		require.NoError(t, store.Update(ctx, old))

		recent := testutil.NewTestState(owner, now.Add(-time.Hour))
		require.NoError(t, store.Create(ctx, recent))
		require.NoError(t, recent.Fail(domain.NewValidationError("bad"), now))
		require.NoError(t, store.Update(ctx, recent))

		live := testutil.NewTestState(owner, now.Add(-72*time.Hour))
		require.NoError(t, store.Create(ctx, live))

		purged, err := store.PurgeExpired(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, purged, int64(1))

		got, err := store.Get(ctx, old.DeploymentID, owner.Key())
		require.NoError(t, err)
		assert.Nil(t, got)
		for _, id := range []string{recent.DeploymentID, live.DeploymentID} {
			got, err := store.Get(ctx, id, owner.Key())
			require.NoError(t, err)
			assert.NotNil(t, got)
		}
	})
}
