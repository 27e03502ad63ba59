package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"pmwflow/internal/logging"
	"pmwflow/internal/store"
)

// ChainStore is the persistence surface the vault needs.
type ChainStore interface {
	LatestVaultHash(ctx context.Context, runID int64) (string, bool, error)
	InsertVaultEvent(ctx context.Context, event store.VaultEvent) (*store.VaultEvent, error)
	ListVaultEvents(ctx context.Context, runID int64) ([]*store.VaultEvent, error)
}

// Vault appends hash-chained events per run.
type Vault struct {
	store  ChainStore
	logger *slog.Logger
	newKey func() string

	mu    sync.Mutex
	locks map[int64]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewVault constructs a vault over st.
func NewVault(st ChainStore, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Vault{
		store:  st,
		logger: logging.NewComponentLogger(logger, "vault"),
		newKey: func() string { return uuid.NewString() },
		locks:  make(map[int64]*runLock),
	}
}

// Append records one event in the run's chain. Failures are logged and
// swallowed so the pipeline never stops on an audit write.
func (v *Vault) Append(ctx context.Context, runID int64, eventType, stageName string, payload any) {
	if v == nil || v.store == nil {
		return
	}
	logger := logging.WithContext(ctx, v.logger).With(
		logging.RunID(runID),
		logging.String("vault_event", eventType),
	)

	canonical, err := Canonicalize(payload)
	if err != nil {
		logging.WarnWithContext(logger, "vault payload not serializable", "vault_append_failed",
			append(logging.ErrorAttrs(err),
				logging.String(logging.FieldErrorHint, "event payload must be JSON encodable"),
				logging.String(logging.FieldImpact, "audit chain is missing this event"),
			)...,
		)
		return
	}

	unlock := v.lock(runID)
	defer unlock()

	previous, ok, err := v.store.LatestVaultHash(ctx, runID)
	if err != nil {
		v.warnWrite(logger, err)
		return
	}
	if !ok {
		previous = GenesisHash
	}
	if _, err := v.store.InsertVaultEvent(ctx, store.VaultEvent{
		IdempotencyKey: v.newKey(),
		EventType:      eventType,
		RunID:          runID,
		StageName:      stageName,
		Payload:        string(canonical),
		PayloadHash:    Hash(canonical),
		PreviousHash:   previous,
	}); err != nil {
		v.warnWrite(logger, err)
	}
}

// VerifyRun loads a run's chain and checks every link.
func (v *Vault) VerifyRun(ctx context.Context, runID int64) (Report, error) {
	events, err := v.store.ListVaultEvents(ctx, runID)
	if err != nil {
		return Report{}, err
	}
	report := Verify(events)
	report.RunID = runID
	return report, nil
}

func (v *Vault) warnWrite(logger *slog.Logger, err error) {
	logging.WarnWithContext(logger, "vault append failed", "vault_append_failed",
		append(logging.ErrorAttrs(err),
			logging.String(logging.FieldErrorHint, "check database connectivity"),
			logging.String(logging.FieldImpact, "audit chain is missing this event"),
		)...,
	)
}

func (v *Vault) lock(runID int64) func() {
	v.mu.Lock()
	entry, ok := v.locks[runID]
	if !ok {
		entry = &runLock{}
		v.locks[runID] = entry
	}
	entry.refs++
	v.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		v.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(v.locks, runID)
		}
		v.mu.Unlock()
	}
}
