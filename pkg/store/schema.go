package store

// Schema is the full Postgres DDL, idempotent so boot can apply it
// unconditionally. The event table carries an append-only trigger: UPDATE
// and DELETE fail at the database regardless of application code.
const Schema = `
CREATE TABLE IF NOT EXISTS evt_events (
	event_id           text PRIMARY KEY,
	event_type         text NOT NULL,
	event_version      integer NOT NULL DEFAULT 1,
	occurred_at        timestamptz NOT NULL,
	recorded_at        timestamptz NOT NULL,
	workspace_id       text NOT NULL,
	mission_id         text,
	room_id            text,
	thread_id          text,
	run_id             text,
	step_id            text,
	actor_type         text NOT NULL CHECK (actor_type IN ('service', 'user', 'agent')),
	actor_id           text NOT NULL,
	actor_principal_id text,
	zone               text NOT NULL CHECK (zone IN ('sandbox', 'supervised', 'high_stakes')),
	stream_type        text NOT NULL CHECK (stream_type IN ('room', 'thread', 'workspace')),
	stream_id          text NOT NULL,
	stream_seq         bigint NOT NULL,
	correlation_id     text NOT NULL,
	causation_id       text,
	redaction_level    text NOT NULL DEFAULT 'none' CHECK (redaction_level IN ('none', 'partial', 'full')),
	contains_secrets   boolean NOT NULL DEFAULT false,
	policy_context     jsonb,
	model_context      jsonb,
	display            jsonb,
	data               jsonb NOT NULL,
	idempotency_key    text,
	prev_event_hash    text,
	event_hash         text NOT NULL,
	UNIQUE (stream_type, stream_id, stream_seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS evt_events_idempotency
	ON evt_events (stream_type, stream_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS evt_events_feed
	ON evt_events (recorded_at, event_id);

CREATE INDEX IF NOT EXISTS evt_events_workspace
	ON evt_events (workspace_id, recorded_at);

CREATE OR REPLACE FUNCTION evt_events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'evt_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS evt_events_no_mutation ON evt_events;
CREATE TRIGGER evt_events_no_mutation
	BEFORE UPDATE OR DELETE ON evt_events
	FOR EACH ROW EXECUTE FUNCTION evt_events_append_only();

CREATE TABLE IF NOT EXISTS evt_stream_heads (
	stream_type text NOT NULL,
	stream_id   text NOT NULL,
	next_seq    bigint NOT NULL,
	PRIMARY KEY (stream_type, stream_id)
);

CREATE TABLE IF NOT EXISTS evt_redaction_log (
	id              bigserial PRIMARY KEY,
	target_event_id text NOT NULL,
	rule_id         text NOT NULL,
	masked_preview  text NOT NULL,
	recorded_at     timestamptz NOT NULL
);

-- Projection doc-tables all share one shape; domain fields live in doc.
CREATE TABLE IF NOT EXISTS proj_runs (
	pk                     text PRIMARY KEY,
	workspace_id           text NOT NULL,
	correlation_id         text,
	doc                    jsonb NOT NULL DEFAULT '{}',
	updated_at             timestamptz NOT NULL,
	last_event_id          text NOT NULL,
	last_event_occurred_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS proj_runs_ws_status ON proj_runs (workspace_id, (doc->>'status'));

CREATE TABLE IF NOT EXISTS proj_approvals (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_incidents (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_messages (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_tool_calls (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_scorecards (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_egress_requests (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_lifecycle (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_lessons (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_artifacts (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_evidence_manifests (LIKE proj_runs INCLUDING ALL);
CREATE TABLE IF NOT EXISTS proj_experiments (LIKE proj_runs INCLUDING ALL);

CREATE INDEX IF NOT EXISTS proj_approvals_ws_corr ON proj_approvals (workspace_id, correlation_id);
CREATE INDEX IF NOT EXISTS proj_incidents_ws ON proj_incidents (workspace_id, (doc->>'entity_id'));

CREATE EXTENSION IF NOT EXISTS pg_trgm;
CREATE INDEX IF NOT EXISTS proj_messages_body_trgm
	ON proj_messages USING gin ((doc->>'body') gin_trgm_ops);

CREATE TABLE IF NOT EXISTS proj_applied_events (
	projector  text NOT NULL,
	event_id   text NOT NULL,
	applied_at timestamptz NOT NULL,
	PRIMARY KEY (projector, event_id)
);

CREATE TABLE IF NOT EXISTS proj_watermarks (
	projector   text PRIMARY KEY,
	recorded_at timestamptz NOT NULL,
	event_id    text NOT NULL
);

CREATE TABLE IF NOT EXISTS proj_workspace_watermarks (
	workspace_id text PRIMARY KEY,
	occurred_at  timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS proj_dead_letter (
	projector  text NOT NULL,
	event_id   text NOT NULL,
	last_error text NOT NULL,
	parked_at  timestamptz NOT NULL,
	PRIMARY KEY (projector, event_id)
);

CREATE TABLE IF NOT EXISTS cap_tokens (
	token_id                text PRIMARY KEY,
	workspace_id            text NOT NULL,
	issued_to_principal_id  text NOT NULL,
	granted_by_principal_id text NOT NULL,
	parent_token_id         text REFERENCES cap_tokens (token_id),
	scopes                  jsonb NOT NULL DEFAULT '[]',
	valid_until             timestamptz,
	revoked_at              timestamptz,
	created_at              timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS cap_tokens_ws ON cap_tokens (workspace_id, issued_to_principal_id);

CREATE TABLE IF NOT EXISTS sec_constraints (
	workspace_id  text NOT NULL,
	subject_key   text NOT NULL,
	category      text NOT NULL,
	pattern_hash  text NOT NULL,
	reason_code   text NOT NULL,
	seen_count    integer NOT NULL DEFAULT 1,
	first_seen_at timestamptz NOT NULL,
	last_seen_at  timestamptz NOT NULL,
	PRIMARY KEY (workspace_id, subject_key, category, pattern_hash)
);

CREATE TABLE IF NOT EXISTS sec_mistake_counters (
	workspace_id text NOT NULL,
	subject_key  text NOT NULL,
	category     text NOT NULL,
	pattern_hash text NOT NULL,
	repeat_count integer NOT NULL DEFAULT 1,
	last_seen_at timestamptz NOT NULL,
	PRIMARY KEY (workspace_id, subject_key, category, pattern_hash)
);

CREATE TABLE IF NOT EXISTS cron_locks (
	lock_name    text PRIMARY KEY,
	holder_id    text NOT NULL,
	lock_token   text NOT NULL,
	acquired_at  timestamptz NOT NULL,
	expires_at   timestamptz NOT NULL,
	heartbeat_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_health (
	id                   integer PRIMARY KEY,
	consecutive_failures integer NOT NULL DEFAULT 0,
	last_error           text,
	last_run_at          timestamptz
);

CREATE TABLE IF NOT EXISTS run_attempts (
	run_id              text NOT NULL,
	attempt_no          integer NOT NULL,
	claim_token         text NOT NULL,
	claimed_by_actor_id text NOT NULL,
	claimed_at          timestamptz NOT NULL,
	lease_expires_at    timestamptz NOT NULL,
	heartbeat_at        timestamptz,
	released_at         timestamptz,
	PRIMARY KEY (run_id, attempt_no)
);
CREATE INDEX IF NOT EXISTS run_attempts_live
	ON run_attempts (run_id, claim_token) WHERE released_at IS NULL;

CREATE TABLE IF NOT EXISTS rl_buckets (
	bucket_key   text NOT NULL,
	window_start timestamptz NOT NULL,
	window_sec   integer NOT NULL,
	count        integer NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket_key, window_start, window_sec)
);

CREATE TABLE IF NOT EXISTS rl_streaks (
	streak_key       text PRIMARY KEY,
	consecutive_429  integer NOT NULL DEFAULT 0,
	last_breach_at   timestamptz,
	last_incident_at timestamptz
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	session_id    text PRIMARY KEY,
	principal_id  text NOT NULL,
	workspace_id  text NOT NULL,
	token_hash    text NOT NULL UNIQUE,
	refresh_hash  text NOT NULL UNIQUE,
	expires_at    timestamptz NOT NULL,
	refresh_until timestamptz NOT NULL,
	created_at    timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_owners (
	email         text PRIMARY KEY,
	password_hash text NOT NULL,
	principal_id  text NOT NULL,
	workspace_id  text NOT NULL,
	created_at    timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS egr_requests (
	request_id       text PRIMARY KEY,
	workspace_id     text NOT NULL,
	domain           text NOT NULL,
	method           text,
	target_url       text NOT NULL,
	decision         text NOT NULL CHECK (decision IN ('allow', 'deny', 'require_approval')),
	reason_code      text NOT NULL,
	blocked          boolean NOT NULL,
	enforcement_mode text NOT NULL,
	approval_id      text,
	requested_at     timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS egr_requests_ws_domain ON egr_requests (workspace_id, domain, requested_at);

CREATE TABLE IF NOT EXISTS lc_survival_ledger (
	workspace_id       text NOT NULL,
	target_type        text NOT NULL,
	target_id          text NOT NULL,
	day                date NOT NULL,
	successes          integer NOT NULL DEFAULT 0,
	failures           integer NOT NULL DEFAULT 0,
	budget_spent       double precision NOT NULL DEFAULT 0,
	budget_limit       double precision NOT NULL DEFAULT 0,
	violations         integer NOT NULL DEFAULT 0,
	repeated_mistakes  integer NOT NULL DEFAULT 0,
	survival_score     double precision NOT NULL DEFAULT 0,
	budget_utilization double precision NOT NULL DEFAULT 0,
	recommended_state  text NOT NULL,
	PRIMARY KEY (workspace_id, target_type, target_id, day)
);

CREATE TABLE IF NOT EXISTS lc_states (
	workspace_id        text NOT NULL,
	target_type         text NOT NULL,
	target_id           text NOT NULL,
	current_state       text NOT NULL,
	consecutive_healthy integer NOT NULL DEFAULT 0,
	consecutive_sunset  integer NOT NULL DEFAULT 0,
	last_evaluated_day  date,
	last_event_id       text,
	updated_at          timestamptz NOT NULL,
	PRIMARY KEY (workspace_id, target_type, target_id)
);

CREATE TABLE IF NOT EXISTS lc_transitions (
	transition_id     text PRIMARY KEY,
	workspace_id      text NOT NULL,
	target_type       text NOT NULL,
	target_id         text NOT NULL,
	from_state        text NOT NULL,
	to_state          text NOT NULL,
	recommended_state text NOT NULL,
	day               date NOT NULL,
	event_id          text,
	created_at        timestamptz NOT NULL
);
`

// sqliteArchiveSchema backs the lite-mode durable event mirror. SQLite only
// sees finished events, so a flat table is enough.
const sqliteArchiveSchema = `
CREATE TABLE IF NOT EXISTS evt_archive (
	event_id    text PRIMARY KEY,
	event_type  text NOT NULL,
	stream_type text NOT NULL,
	stream_id   text NOT NULL,
	stream_seq  integer NOT NULL,
	recorded_at text NOT NULL,
	payload     text NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS evt_archive_stream
	ON evt_archive (stream_type, stream_id, stream_seq);
`
