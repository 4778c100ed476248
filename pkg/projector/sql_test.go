package projector

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

func TestSQLModels_MarkApplied(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	models := NewSQLModels(db)

	mock.ExpectExec(`INSERT INTO proj_applied_events`).
		WithArgs("runs", "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	fresh, err := models.MarkApplied(context.Background(), "runs", "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)

	mock.ExpectExec(`INSERT INTO proj_applied_events`).
		WithArgs("runs", "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	fresh, err = models.MarkApplied(context.Background(), "runs", "evt_1")
	require.NoError(t, err)
	assert.False(t, fresh, "conflict means the pair was already applied")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLModels_UpsertGuardsOccurredAt(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	models := NewSQLModels(db)

	occurred := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	e := &contracts.Event{
		EventID:       "evt_1",
		WorkspaceID:   "ws_1",
		CorrelationID: "corr_1",
		OccurredAt:    occurred,
		RecordedAt:    occurred,
	}

	mock.ExpectExec(`INSERT INTO proj_runs .*ON CONFLICT \(pk\) DO UPDATE.*last_event_occurred_at < excluded\.last_event_occurred_at`).
		WithArgs("run_1", "ws_1", "corr_1", sqlmock.AnyArg(), occurred, "evt_1", occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = models.Upsert(context.Background(), TableRuns, "run_1", Row{"status": "queued"}, e)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLModels_UpsertRejectsUnknownTable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	models := NewSQLModels(db)

	err = models.Upsert(context.Background(), "evt_events; DROP TABLE evt_events", "pk", Row{}, &contracts.Event{})
	assert.Error(t, err)
}

func TestSQLModels_GetDecodesDoc(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	models := NewSQLModels(db)

	updated := time.Date(2026, 8, 24, 10, 0, 5, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"workspace_id", "correlation_id", "doc", "updated_at", "last_event_id", "last_event_occurred_at",
	}).AddRow("ws_1", "corr_1", []byte(`{"status":"running","run_id":"run_1"}`), updated, "evt_2", updated)

	mock.ExpectQuery(`SELECT .* FROM proj_runs WHERE pk = \$1`).
		WithArgs("run_1").
		WillReturnRows(rows)

	row, ok, err := models.Get(context.Background(), TableRuns, "run_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "running", row["status"])
	assert.Equal(t, "ws_1", row["workspace_id"])
	assert.Equal(t, "evt_2", row["last_event_id"])
}

func TestSQLModels_GetMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	models := NewSQLModels(db)

	mock.ExpectQuery(`SELECT .* FROM proj_runs WHERE pk = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{
			"workspace_id", "correlation_id", "doc", "updated_at", "last_event_id", "last_event_occurred_at",
		}))

	_, ok, err := models.Get(context.Background(), TableRuns, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLModels_Watermarks(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	models := NewSQLModels(db)

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO proj_watermarks`).
		WithArgs("runs", at, "evt_9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, models.SetWatermark(context.Background(), "runs", at, "evt_9"))

	mock.ExpectQuery(`SELECT recorded_at, event_id FROM proj_watermarks`).
		WithArgs("runs").
		WillReturnRows(sqlmock.NewRows([]string{"recorded_at", "event_id"}).AddRow(at, "evt_9"))
	cursor, err := models.GetWatermark(context.Background(), "runs")
	require.NoError(t, err)
	assert.Equal(t, "evt_9", cursor.EventID)

	mock.ExpectQuery(`SELECT recorded_at, event_id FROM proj_watermarks`).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"recorded_at", "event_id"}))
	cursor, err = models.GetWatermark(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, cursor.EventID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
