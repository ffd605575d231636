package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, observability.NewNopLogger()), mock
}

func sampleStep(taskID string, seq int) models.TrajectoryStep {
	return models.TrajectoryStep{
		TaskID: taskID,
		Seq:    seq,
		Call: models.ToolCall{
			ID: "c1", ToolID: "mcp-deepsearch", Action: "research",
			Parameters: map[string]any{"question": "q"},
		},
		Result: models.ToolCallResult{
			CallID:  "c1",
			Outcome: models.OutcomeSuccess,
			Tier:    models.TierPrimary,
		},
		RecordedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendStep(t *testing.T) {
	s, mock := newMockStore(t)
	step := sampleStep("t1", 0)

	mock.ExpectExec(`INSERT INTO trajectory`).
		WithArgs("t1", 0, step.RecordedAt.Format(time.RFC3339Nano), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.AppendStep(context.Background(), step); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStepsRoundTripAndSkipCorrupt(t *testing.T) {
	s, mock := newMockStore(t)
	good, _ := json.Marshal(sampleStep("t1", 0))

	rows := sqlmock.NewRows([]string{"step"}).
		AddRow(good).
		AddRow([]byte(`{not json`))
	mock.ExpectQuery(`SELECT step FROM trajectory WHERE task_id = \? ORDER BY seq`).
		WithArgs("t1").
		WillReturnRows(rows)

	steps, err := s.Steps(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1 after skipping the corrupt row", len(steps))
	}
	if steps[0].Call.ToolID != "mcp-deepsearch" || steps[0].Result.Outcome != models.OutcomeSuccess {
		t.Errorf("step = %+v", steps[0])
	}
}

func TestSaveStateUpserts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO learning_state`)).
		WithArgs(KeyDispatcherWeights, []byte(`{"historical":0.4}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveState(context.Background(), KeyDispatcherWeights, map[string]float64{"historical": 0.4})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadStateMissingIsErrNoState(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM learning_state WHERE key = \?`).
		WithArgs(KeyCriticRates).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	var out map[string]float64
	if err := s.LoadState(context.Background(), KeyCriticRates, &out); !errors.Is(err, ErrNoState) {
		t.Errorf("err = %v, want ErrNoState", err)
	}
}

func TestLoadStateCorruptIsError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM learning_state WHERE key = \?`).
		WithArgs(KeyRecoveryRates).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{{{`)))

	var out map[string]float64
	err := s.LoadState(context.Background(), KeyRecoveryRates, &out)
	if err == nil || errors.Is(err, ErrNoState) {
		t.Errorf("err = %v, want corrupt-state error", err)
	}
}

func TestLoadStateRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	rates := map[string]float64{"retry": 0.81, "restart": 0.9}
	blob, _ := json.Marshal(rates)

	mock.ExpectQuery(`SELECT value FROM learning_state WHERE key = \?`).
		WithArgs(KeyRecoveryRates).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(blob))

	var out map[string]float64
	if err := s.LoadState(context.Background(), KeyRecoveryRates, &out); err != nil {
		t.Fatal(err)
	}
	if out["retry"] != 0.81 || out["restart"] != 0.9 {
		t.Errorf("out = %v", out)
	}
}

func TestPruneTrajectory(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM trajectory WHERE recorded_at < \?`).
		WithArgs(cutoff.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.PruneTrajectory(context.Background(), cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("pruned = %d, want 7", n)
	}
}
