package testsupport

import (
	"context"
	"testing"

	"pmwflow/internal/config"
	"pmwflow/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewRun creates a pending run starting at firstStage.
func NewRun(t testing.TB, st *store.Store, firstStage string) (*store.Run, *store.Stage) {
	t.Helper()

	run, stage, err := st.CreateRun(context.Background(), store.NewRun{TriggeredBy: store.TriggerCLI, FirstStage: firstStage})
	if err != nil {
		t.Fatalf("store.CreateRun: %v", err)
	}
	return run, stage
}
