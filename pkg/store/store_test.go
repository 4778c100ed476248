package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

func TestIsPostgresDSN(t *testing.T) {
	assert.True(t, IsPostgresDSN("postgres://u:p@localhost/arbiter"))
	assert.True(t, IsPostgresDSN("postgresql://localhost/arbiter"))
	assert.False(t, IsPostgresDSN("arbiter.db"))
	assert.False(t, IsPostgresDSN("file:arbiter.db"))
}

func TestSchema_ConstrainsEnumeratedColumns(t *testing.T) {
	for _, want := range []string{
		"CHECK (zone IN ('sandbox', 'supervised', 'high_stakes'))",
		"CHECK (actor_type IN ('service', 'user', 'agent'))",
		"CHECK (stream_type IN ('room', 'thread', 'workspace'))",
		"CHECK (redaction_level IN ('none', 'partial', 'full'))",
		"CHECK (decision IN ('allow', 'deny', 'require_approval'))",
		"CREATE EXTENSION IF NOT EXISTS pg_trgm",
		"gin_trgm_ops",
		"proj_artifacts",
		"proj_evidence_manifests",
		"proj_experiments",
	} {
		assert.Contains(t, Schema, want)
	}
}

func archiveEvent(id string, seq int64) *contracts.Event {
	return &contracts.Event{
		EventID:    id,
		EventType:  contracts.EventMessageCreated,
		RecordedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		Stream:     contracts.StreamRef{Type: contracts.StreamThread, ID: "thr_1", Seq: seq},
		Data:       map[string]any{"text": "hello"},
	}
}

func TestArchiveRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	arch, err := NewArchive(ctx, db)
	require.NoError(t, err)

	require.NoError(t, arch.Record(ctx, archiveEvent("evt_1", 1)))
	require.NoError(t, arch.Record(ctx, archiveEvent("evt_1", 1)))
	require.NoError(t, arch.Record(ctx, archiveEvent("evt_2", 2)))

	n, err := arch.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
