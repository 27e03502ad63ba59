package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pmwflow/internal/services"
	"pmwflow/internal/store"
	"pmwflow/internal/testsupport"
)

func floatPtr(v float64) *float64 { return &v }

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	version, err := st.AppliedVersion(ctx)
	if err != nil {
		t.Fatalf("AppliedVersion: %v", err)
	}
	if version != "001_initial" {
		t.Fatalf("unexpected schema version %q", version)
	}
	if st.Driver() != "sqlite" {
		t.Fatalf("unexpected driver %q", st.Driver())
	}

	again, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer again.Close()
	health, err := again.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.Reachable || health.AppliedVersion != "001_initial" {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestCreateRunInsertsFirstStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	topic := int64(42)
	run, stage, err := st.CreateRun(ctx, store.NewRun{TopicID: &topic, TriggeredBy: store.TriggerAPI, FirstStage: "research"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == 0 || run.Status != store.RunPending {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.TopicID == nil || *run.TopicID != 42 {
		t.Fatalf("expected topic id 42, got %v", run.TopicID)
	}
	if run.CurrentStage != "research" || run.TriggeredBy != store.TriggerAPI {
		t.Fatalf("unexpected run fields: %+v", run)
	}
	if stage.RunID != run.ID || stage.Name != "research" || stage.AttemptNumber != 1 || stage.Status != store.StagePending {
		t.Fatalf("unexpected first stage: %+v", stage)
	}

	if _, _, err := st.CreateRun(ctx, store.NewRun{}); err == nil {
		t.Fatal("expected error without first stage")
	}

	missing, err := st.GetRun(ctx, 9999)
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing run, got %v %v", missing, err)
	}
}

func TestClaimStageSingleWinner(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	_, stage := testsupport.NewRun(t, st, "research")

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		misses  int
		other   []error
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ClaimStage(context.Background(), stage.ID, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, store.ErrNotClaimed):
				misses++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected claim errors: %v", other)
	}
	if winners != 1 || misses != claimers-1 {
		t.Fatalf("expected exactly one winner, got winners=%d misses=%d", winners, misses)
	}

	claimed, err := st.GetStage(context.Background(), stage.ID)
	if err != nil {
		t.Fatalf("GetStage: %v", err)
	}
	if claimed.Status != store.StageRunning || claimed.StartedAt == nil {
		t.Fatalf("unexpected claimed stage: %+v", claimed)
	}
	run, err := st.GetRun(context.Background(), stage.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunRunning || run.LockExpiresAt == nil {
		t.Fatalf("expected leased running run, got %+v", run)
	}
}

func TestClaimStageRejectsFinishedRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, stage := testsupport.NewRun(t, st, "research")

	if err := st.FailRun(ctx, run.ID, "operator cancelled"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); !errors.Is(err, store.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed for failed run, got %v", err)
	}
	reloaded, _ := st.GetStage(ctx, stage.ID)
	if reloaded.Status != store.StagePending {
		t.Fatalf("expected claim rollback to leave stage pending, got %s", reloaded.Status)
	}
}

func TestRunStatusGuards(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, stage := testsupport.NewRun(t, st, "research")

	if err := st.CompleteRun(ctx, run.ID, nil); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected pending run completion to be rejected, got %v", err)
	}
	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if err := st.CompleteRun(ctx, run.ID, floatPtr(0.9)); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if err := st.FailRun(ctx, run.ID, "late failure"); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected completed run to stay completed, got %v", err)
	}

	done, _ := st.GetRun(ctx, run.ID)
	if done.Status != store.RunCompleted || done.CompletedAt == nil || done.LockExpiresAt != nil {
		t.Fatalf("unexpected completed run: %+v", done)
	}
	if done.FinalScore == nil || *done.FinalScore != 0.9 {
		t.Fatalf("unexpected final score: %v", done.FinalScore)
	}
	if done.CurrentStage != "research" {
		t.Fatalf("expected current stage retained, got %q", done.CurrentStage)
	}
}

func TestUpsertStageAttemptRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, stage := testsupport.NewRun(t, st, "planning")

	claimed, err := st.ClaimStage(ctx, stage.ID, time.Minute)
	if err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}

	retrying, err := st.UpsertStage(ctx, store.StageRecord{
		RunID: run.ID, Name: "planning", Attempt: 1, Status: store.StageRetrying,
		JudgeFeedback: "score 0.40 below threshold 0.80", InputTokens: 100, OutputTokens: 50, Cost: 0.00105,
	})
	if err != nil {
		t.Fatalf("UpsertStage retrying: %v", err)
	}
	if retrying.ID != stage.ID {
		t.Fatalf("expected attempt 1 to update the claimed row, got id %d want %d", retrying.ID, stage.ID)
	}
	if retrying.StartedAt == nil || !retrying.StartedAt.Equal(*claimed.StartedAt) {
		t.Fatalf("expected started_at to be preserved, got %v want %v", retrying.StartedAt, claimed.StartedAt)
	}
	if retrying.CompletedAt != nil {
		t.Fatal("expected no completed_at for retrying record")
	}

	passed := true
	completed, err := st.UpsertStage(ctx, store.StageRecord{
		RunID: run.ID, Name: "planning", Attempt: 2, Status: store.StageCompleted,
		Score: floatPtr(0.85), PassedThreshold: &passed, Output: `{"outline":[]}`,
		PromptFingerprint: "0123456789abcdef", ModelUsed: "claude-sonnet", InputTokens: 200, OutputTokens: 100, Cost: 0.0021,
	})
	if err != nil {
		t.Fatalf("UpsertStage completed: %v", err)
	}
	if completed.ID == stage.ID || completed.AttemptNumber != 2 {
		t.Fatalf("expected a new row for attempt 2, got %+v", completed)
	}
	if completed.CompletedAt == nil || completed.PassedThreshold == nil || !*completed.PassedThreshold {
		t.Fatalf("unexpected completed record: %+v", completed)
	}

	stages, err := st.ListStages(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListStages: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stage rows, got %d", len(stages))
	}
	latest, err := st.LatestStage(ctx, run.ID, "planning")
	if err != nil || latest.AttemptNumber != 2 {
		t.Fatalf("unexpected latest stage: %+v %v", latest, err)
	}
	score, err := st.LatestScore(ctx, run.ID)
	if err != nil || score == nil || *score != 0.85 {
		t.Fatalf("unexpected latest score: %v %v", score, err)
	}

	if _, err := st.UpsertStage(ctx, store.StageRecord{RunID: run.ID, Name: "planning", Attempt: 0}); err == nil {
		t.Fatal("expected error for attempt 0")
	}
}

func TestReclaimExpiredResetsLeasedStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	_, stage := testsupport.NewRun(t, st, "research")

	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}

	refs, err := st.ReclaimExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected no reclaim before lease expiry, got %v", refs)
	}

	refs, err = st.ReclaimExpired(ctx, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(refs) != 1 || refs[0].StageID != stage.ID || refs[0].RunID != stage.RunID {
		t.Fatalf("unexpected reclaimed refs: %v", refs)
	}
	reset, _ := st.GetStage(ctx, stage.ID)
	if reset.Status != store.StagePending {
		t.Fatalf("expected pending after reclaim, got %s", reset.Status)
	}
	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); err != nil {
		t.Fatalf("expected reclaimed stage to be claimable: %v", err)
	}
}

func TestReclaimExpiredReclaimsNewestRetryingAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, stage := testsupport.NewRun(t, st, "content")

	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if _, err := st.UpsertStage(ctx, store.StageRecord{RunID: run.ID, Name: "content", Attempt: 1, Status: store.StageRetrying}); err != nil {
		t.Fatalf("UpsertStage: %v", err)
	}
	second, err := st.UpsertStage(ctx, store.StageRecord{RunID: run.ID, Name: "content", Attempt: 2, Status: store.StageRetrying})
	if err != nil {
		t.Fatalf("UpsertStage: %v", err)
	}

	refs, err := st.ReclaimExpired(ctx, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(refs) != 1 || refs[0].StageID != second.ID {
		t.Fatalf("expected only the newest attempt to be reclaimed, got %v", refs)
	}
	first, _ := st.GetStage(ctx, stage.ID)
	if first.Status != store.StageRetrying {
		t.Fatalf("expected historical attempt untouched, got %s", first.Status)
	}
}

func TestReclaimExpiredIgnoresPausedRuns(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, stage := testsupport.NewRun(t, st, "research")

	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if err := st.ClearLease(ctx, run.ID); err != nil {
		t.Fatalf("ClearLease: %v", err)
	}
	refs, err := st.ReclaimExpired(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected paused run to be ignored, got %v", refs)
	}
	ok, err := st.ExtendLease(ctx, run.ID, time.Minute)
	if err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	if ok {
		t.Fatal("expected ExtendLease to skip an unleased run")
	}
	paused, _ := st.GetRun(ctx, run.ID)
	if !paused.IsPaused() {
		t.Fatalf("expected run to report paused: %+v", paused)
	}
}

func TestExtendLeaseMovesExpiry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, stage := testsupport.NewRun(t, st, "research")

	if _, err := st.ClaimStage(ctx, stage.ID, time.Second); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	before, _ := st.GetRun(ctx, run.ID)
	ok, err := st.ExtendLease(ctx, run.ID, time.Hour)
	if err != nil || !ok {
		t.Fatalf("ExtendLease: %v %v", ok, err)
	}
	after, _ := st.GetRun(ctx, run.ID)
	if !after.LockExpiresAt.After(before.LockExpiresAt.Add(30 * time.Minute)) {
		t.Fatalf("expected lease to move forward: before=%v after=%v", before.LockExpiresAt, after.LockExpiresAt)
	}
}

func TestRestartStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, stage := testsupport.NewRun(t, st, "research")

	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	req := store.RestartRequest{RunID: run.ID, Operator: "ops", Note: "prompt fixed", Lease: time.Minute}
	if _, err := st.RestartStage(ctx, req); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected restart of running stage to be rejected, got %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		status := store.StageRetrying
		if attempt == 3 {
			status = store.StageAwaitingRestart
		}
		if _, err := st.UpsertStage(ctx, store.StageRecord{RunID: run.ID, Name: "research", Attempt: attempt, Status: status}); err != nil {
			t.Fatalf("UpsertStage: %v", err)
		}
	}
	if err := st.ClearLease(ctx, run.ID); err != nil {
		t.Fatalf("ClearLease: %v", err)
	}

	result, err := st.RestartStage(ctx, req)
	if err != nil {
		t.Fatalf("RestartStage: %v", err)
	}
	if result.Stage.AttemptNumber != 4 || result.Stage.Status != store.StagePending {
		t.Fatalf("unexpected restarted stage: %+v", result.Stage)
	}
	if result.Intervention.AttemptOffset != 3 || result.Intervention.Action != store.ActionRestart || result.Intervention.Operator != "ops" {
		t.Fatalf("unexpected intervention: %+v", result.Intervention)
	}
	resumed, _ := st.GetRun(ctx, run.ID)
	if !resumed.HumanIntervened || resumed.LockExpiresAt == nil {
		t.Fatalf("expected re-leased intervened run: %+v", resumed)
	}

	if _, err := st.RestartStage(ctx, req); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected second restart to be rejected, got %v", err)
	}
	if _, err := st.RestartStage(ctx, store.RestartRequest{RunID: 9999}); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for missing run, got %v", err)
	}
	interventions, err := st.ListInterventions(ctx, run.ID)
	if err != nil || len(interventions) != 1 {
		t.Fatalf("unexpected interventions: %v %v", interventions, err)
	}
}

func TestStalePendingAndTouch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	_, stage := testsupport.NewRun(t, st, "research")

	refs, err := st.StalePending(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected fresh stage not to be stale, got %v", refs)
	}

	cutoff := time.Now().Add(time.Second)
	refs, err = st.StalePending(ctx, cutoff)
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(refs) != 1 || refs[0].StageID != stage.ID {
		t.Fatalf("unexpected stale refs: %v", refs)
	}

	time.Sleep(5 * time.Millisecond)
	touchCutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	if err := st.TouchStages(ctx, stage.ID); err != nil {
		t.Fatalf("TouchStages: %v", err)
	}
	refs, err = st.StalePending(ctx, touchCutoff)
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected touched stage to leave the stale set, got %v", refs)
	}
}

func TestVaultEventsRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, _ := testsupport.NewRun(t, st, "research")

	if _, ok, err := st.LatestVaultHash(ctx, run.ID); err != nil || ok {
		t.Fatalf("expected empty chain, got ok=%v err=%v", ok, err)
	}
	first, err := st.InsertVaultEvent(ctx, store.VaultEvent{
		IdempotencyKey: "11111111-1111-1111-1111-111111111111", EventType: "run.started", RunID: run.ID,
		Payload: `{"topic_id":null}`, PayloadHash: "aa", PreviousHash: "00",
	})
	if err != nil {
		t.Fatalf("InsertVaultEvent: %v", err)
	}
	if _, err := st.InsertVaultEvent(ctx, store.VaultEvent{
		IdempotencyKey: first.IdempotencyKey, EventType: "dup", RunID: run.ID, Payload: "{}", PayloadHash: "bb", PreviousHash: "aa",
	}); err == nil {
		t.Fatal("expected duplicate idempotency key to be rejected")
	}
	if _, err := st.InsertVaultEvent(ctx, store.VaultEvent{
		IdempotencyKey: "22222222-2222-2222-2222-222222222222", EventType: "stage.complete", RunID: run.ID, StageName: "research",
		Payload: `{"score":0.9}`, PayloadHash: "cc", PreviousHash: "aa",
	}); err != nil {
		t.Fatalf("InsertVaultEvent: %v", err)
	}

	hash, ok, err := st.LatestVaultHash(ctx, run.ID)
	if err != nil || !ok || hash != "cc" {
		t.Fatalf("unexpected latest hash %q ok=%v err=%v", hash, ok, err)
	}
	events, err := st.ListVaultEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListVaultEvents: %v", err)
	}
	if len(events) != 2 || events[0].EventType != "run.started" || events[1].StageName != "research" {
		t.Fatalf("unexpected chain: %+v", events)
	}
}

func TestListRunsAndHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first, stage := testsupport.NewRun(t, st, "research")
	testsupport.NewRun(t, st, "research")
	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if err := st.FailRun(ctx, first.ID, "boom"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	if err != nil || len(runs) != 2 {
		t.Fatalf("unexpected runs: %v %v", runs, err)
	}
	if runs[0].ID < runs[1].ID {
		t.Fatal("expected newest run first")
	}
	failed, err := st.ListRuns(ctx, store.RunFilter{Statuses: []store.RunStatus{store.RunFailed}, Limit: 5})
	if err != nil || len(failed) != 1 || failed[0].ErrorMessage != "boom" || failed[0].FailedAt == nil {
		t.Fatalf("unexpected failed runs: %+v %v", failed, err)
	}

	health, err := st.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Total != 2 || health.Pending != 1 || health.Failed != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
	oldest, err := st.OldestPendingRun(ctx)
	if err != nil || oldest == nil || oldest.ID == first.ID {
		t.Fatalf("unexpected oldest pending run: %+v %v", oldest, err)
	}
}

func TestAddRunCost(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	run, _ := testsupport.NewRun(t, st, "research")

	for _, delta := range []float64{0.0015, 0.0025, 0} {
		if err := st.AddRunCost(ctx, run.ID, delta); err != nil {
			t.Fatalf("AddRunCost: %v", err)
		}
	}
	reloaded, _ := st.GetRun(ctx, run.ID)
	if diff := reloaded.TotalCost - 0.004; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected total cost %v", reloaded.TotalCost)
	}
}

func TestParseRunStatus(t *testing.T) {
	if status, ok := store.ParseRunStatus(" Running "); !ok || status != store.RunRunning {
		t.Fatalf("unexpected parse: %v %v", status, ok)
	}
	if _, ok := store.ParseRunStatus("paused"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
	if !store.RunFailed.IsTerminal() || store.RunRunning.IsTerminal() {
		t.Fatal("unexpected terminal classification")
	}
}
