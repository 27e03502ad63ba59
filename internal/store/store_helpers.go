package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = "id, topic_id, status, current_stage, lock_expires_at, final_score, total_cost, human_intervened, error_message, triggered_by, started_at, completed_at, failed_at, created_at, updated_at"

const stageColumns = "id, run_id, stage_name, status, attempt_number, score, passed_threshold, output, judge_feedback, prompt_fingerprint, model_used, input_tokens, output_tokens, cost, started_at, completed_at, created_at, updated_at"

const vaultColumns = "id, idempotency_key, event_type, run_id, stage_name, payload, payload_hash, previous_hash, created_at"

const interventionColumns = "id, run_id, stage_name, action, operator, note, attempt_offset, created_at"

type scanner interface{ Scan(dest ...any) error }

func scanRun(row scanner) (*Run, error) {
	var (
		run          Run
		topicID      sql.NullInt64
		status       string
		currentStage sql.NullString
		lockExpires  nullTime
		finalScore   sql.NullFloat64
		intervened   sql.NullBool
		errorMessage sql.NullString
		triggeredBy  sql.NullString
		startedAt    nullTime
		completedAt  nullTime
		failedAt     nullTime
		createdAt    nullTime
		updatedAt    nullTime
	)
	if err := row.Scan(
		&run.ID,
		&topicID,
		&status,
		&currentStage,
		&lockExpires,
		&finalScore,
		&run.TotalCost,
		&intervened,
		&errorMessage,
		&triggeredBy,
		&startedAt,
		&completedAt,
		&failedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if topicID.Valid {
		v := topicID.Int64
		run.TopicID = &v
	}
	run.Status = RunStatus(status)
	run.CurrentStage = currentStage.String
	run.LockExpiresAt = lockExpires.ptr()
	if finalScore.Valid {
		v := finalScore.Float64
		run.FinalScore = &v
	}
	run.HumanIntervened = intervened.Valid && intervened.Bool
	run.ErrorMessage = errorMessage.String
	run.TriggeredBy = triggeredBy.String
	run.StartedAt = startedAt.ptr()
	run.CompletedAt = completedAt.ptr()
	run.FailedAt = failedAt.ptr()
	run.CreatedAt = createdAt.Time
	run.UpdatedAt = updatedAt.Time
	return &run, nil
}

func scanStage(row scanner) (*Stage, error) {
	var (
		stage       Stage
		status      string
		score       sql.NullFloat64
		passed      sql.NullBool
		output      sql.NullString
		feedback    sql.NullString
		fingerprint sql.NullString
		model       sql.NullString
		startedAt   nullTime
		completedAt nullTime
		createdAt   nullTime
		updatedAt   nullTime
	)
	if err := row.Scan(
		&stage.ID,
		&stage.RunID,
		&stage.Name,
		&status,
		&stage.AttemptNumber,
		&score,
		&passed,
		&output,
		&feedback,
		&fingerprint,
		&model,
		&stage.InputTokens,
		&stage.OutputTokens,
		&stage.Cost,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	stage.Status = StageStatus(status)
	if score.Valid {
		v := score.Float64
		stage.Score = &v
	}
	if passed.Valid {
		v := passed.Bool
		stage.PassedThreshold = &v
	}
	stage.Output = output.String
	stage.JudgeFeedback = feedback.String
	stage.PromptFingerprint = fingerprint.String
	stage.ModelUsed = model.String
	stage.StartedAt = startedAt.ptr()
	stage.CompletedAt = completedAt.ptr()
	stage.CreatedAt = createdAt.Time
	stage.UpdatedAt = updatedAt.Time
	return &stage, nil
}

func scanVaultEvent(row scanner) (*VaultEvent, error) {
	var (
		event     VaultEvent
		stageName sql.NullString
		createdAt nullTime
	)
	if err := row.Scan(
		&event.ID,
		&event.IdempotencyKey,
		&event.EventType,
		&event.RunID,
		&stageName,
		&event.Payload,
		&event.PayloadHash,
		&event.PreviousHash,
		&createdAt,
	); err != nil {
		return nil, err
	}
	event.StageName = stageName.String
	event.CreatedAt = createdAt.Time
	return &event, nil
}

func scanIntervention(row scanner) (*Intervention, error) {
	var (
		intervention Intervention
		operator     sql.NullString
		note         sql.NullString
		createdAt    nullTime
	)
	if err := row.Scan(
		&intervention.ID,
		&intervention.RunID,
		&intervention.StageName,
		&intervention.Action,
		&operator,
		&note,
		&intervention.AttemptOffset,
		&createdAt,
	); err != nil {
		return nil, err
	}
	intervention.Operator = operator.String
	intervention.Note = note.String
	intervention.CreatedAt = createdAt.Time
	return &intervention, nil
}

// nullTime scans timestamps stored as TEXT (SQLite) or timestamptz (Postgres).
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (n *nullTime) parse(value string) error {
	if value == "" {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	parsed, err := parseTimeString(value)
	if err != nil {
		return err
	}
	n.Time, n.Valid = parsed.UTC(), true
	return nil
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return *value
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
