package audit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"pmwflow/internal/audit"
	"pmwflow/internal/store"
	"pmwflow/internal/testsupport"
)

func TestCanonicalizeSortsKeysCompactly(t *testing.T) {
	got, err := audit.Canonicalize(map[string]any{
		"stage": "research",
		"a":     []any{map[string]any{"z": 1, "b": "<x>"}},
		"cost":  0.000105,
	})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"a":[{"b":"<x>","z":1}],"cost":0.000105,"stage":"research"}`
	if string(got) != want {
		t.Fatalf("unexpected canonical form:\n got %s\nwant %s", got, want)
	}

	again, err := audit.CanonicalizeText("{ \"stage\" : \"research\", \"cost\":0.000105, \"a\":[{\"z\":1,\"b\":\"<x>\"}] }")
	if err != nil {
		t.Fatalf("CanonicalizeText: %v", err)
	}
	if string(again) != want {
		t.Fatalf("expected stored text to re-canonicalize identically, got %s", again)
	}
}

func TestAppendBuildsVerifiableChain(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	run, _ := testsupport.NewRun(t, st, "research")
	vault := audit.NewVault(st, nil)
	ctx := context.Background()

	vault.Append(ctx, run.ID, "run.started", "", map[string]any{"run_id": run.ID})
	vault.Append(ctx, run.ID, "stage.started", "research", map[string]any{"attempt": 1})
	vault.Append(ctx, run.ID, "stage.complete", "research", map[string]any{"score": 0.9})

	events, err := st.ListVaultEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListVaultEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].PreviousHash != audit.GenesisHash {
		t.Fatalf("expected genesis previous hash, got %s", events[0].PreviousHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].PreviousHash != events[i-1].PayloadHash {
			t.Fatalf("link %d does not point at its predecessor", i)
		}
	}
	if events[1].StageName != "research" {
		t.Fatalf("expected stage name recorded, got %q", events[1].StageName)
	}

	report, err := vault.VerifyRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("VerifyRun: %v", err)
	}
	if !report.Valid || report.Broken != -1 || report.Events != 3 || report.RunID != run.ID {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	run, _ := testsupport.NewRun(t, st, "research")
	vault := audit.NewVault(st, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		vault.Append(ctx, run.ID, "cost.update", "research", map[string]any{"call": i, "cost": 0.001})
	}
	events, err := st.ListVaultEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListVaultEvents: %v", err)
	}

	tampered := cloneEvents(events)
	tampered[2].Payload = strings.Replace(tampered[2].Payload, "0.001", "0.0001", 1)
	report := audit.Verify(tampered)
	if report.Valid || report.Broken != 2 {
		t.Fatalf("expected break at index 2, got %+v", report)
	}

	// Rewriting the hash too moves the break to the next link.
	rehashed := cloneEvents(tampered)
	canonical, err := audit.CanonicalizeText(rehashed[2].Payload)
	if err != nil {
		t.Fatalf("CanonicalizeText: %v", err)
	}
	rehashed[2].PayloadHash = audit.Hash(canonical)
	report = audit.Verify(rehashed)
	if report.Valid || report.Broken != 3 {
		t.Fatalf("expected break at index 3, got %+v", report)
	}

	dropped := cloneEvents(events)
	dropped = append(dropped[:1], dropped[2:]...)
	if report := audit.Verify(dropped); report.Valid || report.Broken != 1 {
		t.Fatalf("expected removed link to break at index 1, got %+v", report)
	}

	if report := audit.Verify(nil); !report.Valid || report.Events != 0 {
		t.Fatalf("expected empty chain to verify, got %+v", report)
	}
}

func TestAppendSerializesConcurrentWriters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	run, _ := testsupport.NewRun(t, st, "content")
	vault := audit.NewVault(st, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vault.Append(ctx, run.ID, "cost.update", "content", map[string]any{"call": i})
		}(i)
	}
	wg.Wait()

	report, err := vault.VerifyRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("VerifyRun: %v", err)
	}
	if !report.Valid || report.Events != 12 {
		t.Fatalf("expected 12 linked events, got %+v", report)
	}
}

type failingChain struct{ inserts int }

func (f *failingChain) LatestVaultHash(context.Context, int64) (string, bool, error) {
	return "", false, nil
}

func (f *failingChain) InsertVaultEvent(context.Context, store.VaultEvent) (*store.VaultEvent, error) {
	f.inserts++
	return nil, errors.New("disk full")
}

func (f *failingChain) ListVaultEvents(context.Context, int64) ([]*store.VaultEvent, error) {
	return nil, nil
}

func TestAppendSwallowsErrors(t *testing.T) {
	chain := &failingChain{}
	vault := audit.NewVault(chain, nil)
	vault.Append(context.Background(), 1, "run.failed", "", map[string]any{"error": "x"})
	vault.Append(context.Background(), 1, "bad", "", func() {})
	if chain.inserts != 1 {
		t.Fatalf("expected one insert attempt, got %d", chain.inserts)
	}
}

func cloneEvents(events []*store.VaultEvent) []*store.VaultEvent {
	out := make([]*store.VaultEvent, len(events))
	for i, event := range events {
		copied := *event
		out[i] = &copied
	}
	return out
}
