//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"pmwflow/internal/config"
	"pmwflow/internal/store"
	"pmwflow/internal/testsupport"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pmw"),
		postgres.WithUsername("pmw"),
		postgres.WithPassword("pmw"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := testsupport.NewConfig(t)
	cfg.Database.Driver = config.DriverPostgres
	cfg.Database.URL = connStr
	st := testsupport.MustOpenStore(t, cfg)

	t.Run("migrations", func(t *testing.T) {
		version, err := st.AppliedVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, "001_initial", version)

		again, err := store.Open(cfg)
		require.NoError(t, err)
		assert.NoError(t, again.Close())
	})

	t.Run("single claim under contention", func(t *testing.T) {
		_, stage := testsupport.NewRun(t, st, "research")

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.ClaimStage(ctx, stage.ID, time.Minute)
				if err != nil && !errors.Is(err, store.ErrNotClaimed) {
					t.Errorf("unexpected claim error: %v", err)
					return
				}
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})

	t.Run("reclaim and restart", func(t *testing.T) {
		run, stage := testsupport.NewRun(t, st, "planning")
		_, err := st.ClaimStage(ctx, stage.ID, time.Minute)
		require.NoError(t, err)

		refs, err := st.ReclaimExpired(ctx, time.Now().Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, stage.ID, refs[0].StageID)

		_, err = st.ClaimStage(ctx, stage.ID, time.Minute)
		require.NoError(t, err)
		_, err = st.UpsertStage(ctx, store.StageRecord{RunID: run.ID, Name: "planning", Attempt: 1, Status: store.StageAwaitingRestart})
		require.NoError(t, err)
		require.NoError(t, st.ClearLease(ctx, run.ID))

		result, err := st.RestartStage(ctx, store.RestartRequest{RunID: run.ID, Operator: "ops", Lease: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Stage.AttemptNumber)
		assert.Equal(t, 1, result.Intervention.AttemptOffset)
	})

	t.Run("vault chain ordering", func(t *testing.T) {
		run, _ := testsupport.NewRun(t, st, "research")
		_, err := st.InsertVaultEvent(ctx, store.VaultEvent{
			IdempotencyKey: "pg-1", EventType: "run.started", RunID: run.ID, Payload: "{}", PayloadHash: "h1", PreviousHash: "h0",
		})
		require.NoError(t, err)
		hash, ok, err := st.LatestVaultHash(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "h1", hash)
	})
}
