package egress

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// MemoryLog keeps entries in memory for tests and the sqlite lite mode.
type MemoryLog struct {
	mu      sync.Mutex
	entries []*LogEntry
}

// NewMemoryLog builds an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Insert implements Log.
func (m *MemoryLog) Insert(ctx context.Context, entry *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

// Entries returns a snapshot of the log.
func (m *MemoryLog) Entries() []*LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*LogEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// SQLLog is the Postgres request log over egr_requests.
type SQLLog struct {
	db *sql.DB
}

// NewSQLLog wraps an open database handle.
func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db}
}

// Insert implements Log.
func (s *SQLLog) Insert(ctx context.Context, e *LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO egr_requests
			(request_id, workspace_id, domain, method, target_url,
			 decision, reason_code, blocked, enforcement_mode, approval_id, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.RequestID, e.WorkspaceID, e.Domain, e.Method, e.TargetURL,
		e.Decision, e.ReasonCode, e.Blocked, e.EnforcementMode, nullable(e.ApprovalID), e.RequestedAt.UTC())
	if err != nil {
		return fmt.Errorf("egress: insert log: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
