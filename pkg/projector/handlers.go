package projector

import (
	"context"
	"strings"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// Projection table names. Tables are (pk, workspace_id, correlation_id,
// doc, updated_at, last_event_id, last_event_occurred_at); domain fields
// live in the document.
const (
	TableRuns        = "proj_runs"
	TableApprovals   = "proj_approvals"
	TableIncidents   = "proj_incidents"
	TableMessages    = "proj_messages"
	TableToolCalls   = "proj_tool_calls"
	TableScorecards  = "proj_scorecards"
	TableEgress      = "proj_egress_requests"
	TableLifecycle   = "proj_lifecycle"
	TableLessons     = "proj_lessons"
	TableArtifacts   = "proj_artifacts"
	TableEvidence    = "proj_evidence_manifests"
	TableExperiments = "proj_experiments"
)

// prefixProjector handles all event types under one dotted prefix.
type prefixProjector struct {
	name   string
	prefix string
	apply  func(ctx context.Context, e *contracts.Event, models ReadModels) error
}

func (p *prefixProjector) Name() string { return p.name }

func (p *prefixProjector) Handles(eventType string) bool {
	return strings.HasPrefix(eventType, p.prefix)
}

func (p *prefixProjector) Apply(ctx context.Context, e *contracts.Event, models ReadModels) error {
	return p.apply(ctx, e, models)
}

// DefaultProjectors returns the full projector set.
func DefaultProjectors() []Projector {
	return []Projector{
		&prefixProjector{name: "runs", prefix: "run.", apply: applyRun},
		&prefixProjector{name: "approvals", prefix: "approval.", apply: applyApproval},
		&prefixProjector{name: "incidents", prefix: "incident.", apply: applyIncident},
		&prefixProjector{name: "messages", prefix: "message.", apply: applyMessage},
		&prefixProjector{name: "tool_calls", prefix: "tool.", apply: applyToolCall},
		&prefixProjector{name: "scorecards", prefix: "scorecard.", apply: applyScorecard},
		&prefixProjector{name: "egress", prefix: "egress.", apply: applyEgress},
		&prefixProjector{name: "lifecycle", prefix: "lifecycle.", apply: applyLifecycle},
		&prefixProjector{name: "lessons", prefix: "learning.", apply: applyLesson},
		&prefixProjector{name: "artifacts", prefix: "artifact.", apply: applyArtifact},
		&prefixProjector{name: "evidence", prefix: "evidence.", apply: applyEvidenceManifest},
		&prefixProjector{name: "experiments", prefix: "experiment.", apply: applyExperiment},
		// Informational families: recorded in the log, no read model.
		// Skill assessment events carry their content in the log only.
		&prefixProjector{name: "skills_noop", prefix: "agent.skill.", apply: applyNoop},
		&prefixProjector{name: "audit_noop", prefix: "policy.", apply: applyNoop},
		&prefixProjector{name: "secrets_noop", prefix: "secret.", apply: applyNoop},
		&prefixProjector{name: "agents_noop", prefix: "agent.", apply: applyNoop},
	}
}

func str(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func applyNoop(ctx context.Context, e *contracts.Event, models ReadModels) error {
	return nil
}

func applyRun(ctx context.Context, e *contracts.Event, models ReadModels) error {
	runID := e.RunID
	if runID == "" {
		runID = str(e.Data, "run_id")
	}
	if runID == "" {
		return nil
	}
	row := Row{"run_id": runID}
	switch e.EventType {
	case contracts.EventRunCreated:
		row["status"] = string(contracts.RunQueued)
		row["agent_id"] = str(e.Data, "agent_id")
		row["risk_tier"] = str(e.Data, "risk_tier")
	case contracts.EventRunStarted:
		row["status"] = string(contracts.RunRunning)
		row["claimed_by_actor_id"] = str(e.Data, "claimed_by_actor_id")
		row["attempt_no"] = e.Data["attempt_no"]
	case contracts.EventRunCompleted:
		row["status"] = string(contracts.RunCompleted)
	case contracts.EventRunFailed:
		row["status"] = string(contracts.RunFailed)
		row["error_code"] = str(e.Data, "error_code")
		row["error_kind"] = str(e.Data, "error_kind")
	default:
		return nil
	}
	return models.Upsert(ctx, TableRuns, runID, row, e)
}

func applyApproval(ctx context.Context, e *contracts.Event, models ReadModels) error {
	approvalID := str(e.Data, "approval_id")
	if approvalID == "" {
		return nil
	}
	row := Row{"approval_id": approvalID}
	switch e.EventType {
	case contracts.EventApprovalRequested:
		status := str(e.Data, "status")
		if status == "" {
			status = string(contracts.ApprovalPending)
		}
		row["status"] = status
		row["action"] = str(e.Data, "action")
		row["scope"] = str(e.Data, "scope")
		row["requested_by"] = e.Actor.ID
		if v, ok := e.Data["expires_at"]; ok {
			row["expires_at"] = v
		}
	case contracts.EventApprovalDecided:
		decision := str(e.Data, "decision")
		switch decision {
		case "approve":
			row["status"] = string(contracts.ApprovalApproved)
		case "deny":
			row["status"] = string(contracts.ApprovalDenied)
		case "hold":
			row["status"] = string(contracts.ApprovalHeld)
		default:
			return nil
		}
		row["decision"] = decision
		row["decided_by"] = str(e.Data, "decided_by")
	case contracts.EventApprovalRevoked:
		row["status"] = string(contracts.ApprovalDenied)
		row["decision"] = "revoke"
	default:
		return nil
	}
	return models.Upsert(ctx, TableApprovals, approvalID, row, e)
}

func applyIncident(ctx context.Context, e *contracts.Event, models ReadModels) error {
	incidentID := str(e.Data, "incident_id")
	if incidentID == "" {
		incidentID = e.EventID
	}
	row := Row{
		"incident_id": incidentID,
		"category":    str(e.Data, "category"),
		"entity_type": str(e.Data, "entity_type"),
		"entity_id":   str(e.Data, "entity_id"),
		"status":      "open",
		"summary":     str(e.Data, "summary"),
	}
	return models.Upsert(ctx, TableIncidents, incidentID, row, e)
}

func applyMessage(ctx context.Context, e *contracts.Event, models ReadModels) error {
	row := Row{
		"message_id":       e.EventID,
		"thread_id":        e.ThreadID,
		"room_id":          e.RoomID,
		"author_type":      string(e.Actor.Type),
		"author_id":        e.Actor.ID,
		"contains_secrets": e.ContainsSecrets,
		"redaction_level":  string(e.RedactionLevel),
	}
	// Body is omitted when the event was flagged; readers honour redaction.
	if !e.ContainsSecrets {
		row["body"] = str(e.Data, "text")
	}
	return models.Upsert(ctx, TableMessages, e.EventID, row, e)
}

func applyToolCall(ctx context.Context, e *contracts.Event, models ReadModels) error {
	callID := str(e.Data, "tool_call_id")
	if callID == "" {
		callID = e.EventID
	}
	row := Row{
		"tool_call_id": callID,
		"tool":         str(e.Data, "tool"),
		"run_id":       e.RunID,
	}
	switch e.EventType {
	case contracts.EventToolCallRequested:
		row["status"] = "requested"
	case contracts.EventToolCallCompleted:
		row["status"] = "completed"
	default:
		return nil
	}
	return models.Upsert(ctx, TableToolCalls, callID, row, e)
}

func applyScorecard(ctx context.Context, e *contracts.Event, models ReadModels) error {
	if e.EventType != contracts.EventScorecardRecorded {
		return nil
	}
	row := Row{
		"scorecard_id": e.EventID,
		"run_id":       str(e.Data, "run_id"),
		"agent_id":     str(e.Data, "agent_id"),
		"decision":     str(e.Data, "decision"),
		"severity":     str(e.Data, "severity"),
		"score":        e.Data["score"],
	}
	return models.Upsert(ctx, TableScorecards, e.EventID, row, e)
}

func applyEgress(ctx context.Context, e *contracts.Event, models ReadModels) error {
	// All three egress events carry the gateway's request_id, so the
	// requested and terminal events converge on one row.
	requestID := str(e.Data, "request_id")
	if requestID == "" {
		requestID = e.EventID
	}
	row := Row{
		"request_id": requestID,
		"domain":     str(e.Data, "domain"),
	}
	if target := str(e.Data, "target_url"); target != "" {
		row["target_url"] = target
	}
	switch e.EventType {
	case contracts.EventEgressRequested:
		row["status"] = "requested"
	case contracts.EventEgressAllowed:
		row["status"] = "allowed"
	case contracts.EventEgressBlocked:
		row["status"] = "blocked"
		row["reason_code"] = str(e.Data, "reason_code")
	default:
		return nil
	}
	return models.Upsert(ctx, TableEgress, requestID, row, e)
}

func applyArtifact(ctx context.Context, e *contracts.Event, models ReadModels) error {
	artifactID := str(e.Data, "artifact_id")
	if artifactID == "" {
		return nil
	}
	row := Row{
		"artifact_id": artifactID,
		"run_id":      e.RunID,
	}
	if name := str(e.Data, "name"); name != "" {
		row["name"] = name
	}
	if mediaType := str(e.Data, "media_type"); mediaType != "" {
		row["media_type"] = mediaType
	}
	switch e.EventType {
	case contracts.EventArtifactCreated, contracts.EventArtifactUpdated:
		row["sha256"] = str(e.Data, "sha256")
		if v, ok := e.Data["size_bytes"]; ok {
			row["size_bytes"] = v
		}
		if v, ok := e.Data["version"]; ok {
			row["version"] = v
		}
	default:
		return nil
	}
	return models.Upsert(ctx, TableArtifacts, artifactID, row, e)
}

func applyEvidenceManifest(ctx context.Context, e *contracts.Event, models ReadModels) error {
	if e.EventType != contracts.EventEvidenceManifestFinalized {
		return nil
	}
	manifestID := str(e.Data, "manifest_id")
	if manifestID == "" {
		return nil
	}
	row := Row{
		"manifest_id":          manifestID,
		"stream_type":          str(e.Data, "stream_type"),
		"stream_id":            str(e.Data, "stream_id"),
		"from_seq":             e.Data["from_seq"],
		"verified_through_seq": e.Data["verified_through_seq"],
		"head_hash":            str(e.Data, "head_hash"),
		"manifest_hash":        str(e.Data, "manifest_hash"),
	}
	return models.Upsert(ctx, TableEvidence, manifestID, row, e)
}

func applyExperiment(ctx context.Context, e *contracts.Event, models ReadModels) error {
	experimentID := str(e.Data, "experiment_id")
	if experimentID == "" {
		return nil
	}
	row := Row{"experiment_id": experimentID}
	switch e.EventType {
	case contracts.EventExperimentStarted:
		row["status"] = "running"
		row["name"] = str(e.Data, "name")
		row["hypothesis"] = str(e.Data, "hypothesis")
	case contracts.EventExperimentCompleted:
		row["status"] = "completed"
		row["outcome"] = str(e.Data, "outcome")
	default:
		return nil
	}
	return models.Upsert(ctx, TableExperiments, experimentID, row, e)
}

func applyLifecycle(ctx context.Context, e *contracts.Event, models ReadModels) error {
	targetType := str(e.Data, "target_type")
	targetID := str(e.Data, "target_id")
	if targetType == "" || targetID == "" {
		return nil
	}
	pk := targetType + ":" + targetID
	row := Row{
		"target_type":    targetType,
		"target_id":      targetID,
		"current_state":  str(e.Data, "to_state"),
		"previous_state": str(e.Data, "from_state"),
	}
	return models.Upsert(ctx, TableLifecycle, pk, row, e)
}

func applyLesson(ctx context.Context, e *contracts.Event, models ReadModels) error {
	if e.EventType != contracts.EventLearningFromFailure {
		return nil
	}
	patternHash := str(e.Data, "pattern_hash")
	if patternHash == "" {
		return nil
	}
	row := Row{
		"pattern_hash": patternHash,
		"subject_key":  str(e.Data, "subject_key"),
		"category":     str(e.Data, "category"),
		"reason_code":  str(e.Data, "reason_code"),
		"seen_count":   e.Data["seen_count"],
	}
	return models.Upsert(ctx, TableLessons, e.WorkspaceID+":"+patternHash, row, e)
}
