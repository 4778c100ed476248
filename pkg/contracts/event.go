// Package contracts defines the shared domain types of the control plane:
// the event envelope, stream references, actors, zones, policy decisions,
// and the enumerations every component agrees on.
//
// Events are immutable once recorded. Anything that wants to change the
// visible shape of a past event must append a companion event instead.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamType identifies the kind of stream an event belongs to.
type StreamType string

const (
	StreamRoom      StreamType = "room"
	StreamThread    StreamType = "thread"
	StreamWorkspace StreamType = "workspace"
)

// Zone expresses how much gating an action requires.
type Zone string

const (
	ZoneSandbox    Zone = "sandbox"
	ZoneSupervised Zone = "supervised"
	ZoneHighStakes Zone = "high_stakes"
)

// zoneRank orders zones from least to most privileged.
var zoneRank = map[Zone]int{
	ZoneSandbox:    0,
	ZoneSupervised: 1,
	ZoneHighStakes: 2,
}

// AtLeast reports whether z grants at least the privileges of required.
func (z Zone) AtLeast(required Zone) bool {
	return zoneRank[z] >= zoneRank[required]
}

// Valid reports whether z is a known zone.
func (z Zone) Valid() bool {
	_, ok := zoneRank[z]
	return ok
}

// ActorType identifies who performed an action.
type ActorType string

const (
	ActorService ActorType = "service"
	ActorUser    ActorType = "user"
	ActorAgent   ActorType = "agent"
)

// Actor is the acting identity recorded on every event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// SubjectKey returns the fall-through learning-ledger subject for the actor.
func (a Actor) SubjectKey() string {
	return fmt.Sprintf("actor:%s:%s", a.Type, a.ID)
}

// RedactionLevel marks how much of an event payload is considered visible.
type RedactionLevel string

const (
	RedactionNone    RedactionLevel = "none"
	RedactionPartial RedactionLevel = "partial"
	RedactionFull    RedactionLevel = "full"
)

// StreamRef locates an event within its stream.
type StreamRef struct {
	Type StreamType `json:"type"`
	ID   string     `json:"id"`
	Seq  int64      `json:"seq"`
}

// Event is a single immutable record in the log.
//
// Within a (stream type, stream id) pair, Seq is strictly monotonic starting
// at 1 with no gaps. EventHash chains to PrevEventHash, so any slice of a
// stream can be independently verified.
type Event struct {
	EventID          string         `json:"event_id"`
	EventType        string         `json:"event_type"`
	EventVersion     int            `json:"event_version"`
	OccurredAt       time.Time      `json:"occurred_at"`
	RecordedAt       time.Time      `json:"recorded_at"`
	WorkspaceID      string         `json:"workspace_id"`
	MissionID        string         `json:"mission_id,omitempty"`
	RoomID           string         `json:"room_id,omitempty"`
	ThreadID         string         `json:"thread_id,omitempty"`
	RunID            string         `json:"run_id,omitempty"`
	StepID           string         `json:"step_id,omitempty"`
	Actor            Actor          `json:"actor"`
	ActorPrincipalID string         `json:"actor_principal_id,omitempty"`
	Zone             Zone           `json:"zone"`
	Stream           StreamRef      `json:"stream"`
	CorrelationID    string         `json:"correlation_id"`
	CausationID      string         `json:"causation_id,omitempty"`
	RedactionLevel   RedactionLevel `json:"redaction_level"`
	ContainsSecrets  bool           `json:"contains_secrets"`
	PolicyContext    map[string]any `json:"policy_context,omitempty"`
	ModelContext     map[string]any `json:"model_context,omitempty"`
	Display          map[string]any `json:"display,omitempty"`
	Data             map[string]any `json:"data"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	PrevEventHash    string         `json:"prev_event_hash,omitempty"`
	EventHash        string         `json:"event_hash,omitempty"`
}

// Clone returns a deep-enough copy for callers that mutate Data or Display.
func (e *Event) Clone() *Event {
	cp := *e
	cp.Data = cloneMap(e.Data)
	cp.PolicyContext = cloneMap(e.PolicyContext)
	cp.ModelContext = cloneMap(e.ModelContext)
	cp.Display = cloneMap(e.Display)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Well-known event types. Consumers must tolerate forward-additive fields
// inside Data; unknown event types decode to UnknownPayload.
const (
	EventMessageCreated     = "message.created"
	EventEventRedacted      = "event.redacted"
	EventSecretLeakDetected = "secret.leaked.detected"
	EventDLPScanTruncated   = "dlp.scan.truncated"

	EventRunCreated   = "run.created"
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"

	EventApprovalRequested = "approval.requested"
	EventApprovalDecided   = "approval.decided"
	EventApprovalRevoked   = "approval.revoked"

	EventPolicyDenied           = "policy.denied"
	EventPolicyRequiresApproval = "policy.requires_approval"

	EventEgressRequested = "egress.requested"
	EventEgressAllowed   = "egress.allowed"
	EventEgressBlocked   = "egress.blocked"
	EventQuotaExceeded   = "quota.exceeded"

	EventIncidentOpened        = "incident.opened"
	EventLifecycleStateChanged = "lifecycle.state.changed"
	EventPromotionEvaluated    = "promotion.evaluated"

	EventLearningFromFailure = "learning.from_failure"
	EventConstraintLearned   = "constraint.learned"
	EventMistakeRepeated     = "mistake.repeated"

	EventScorecardRecorded  = "scorecard.recorded"
	EventAgentQuarantined   = "agent.quarantined"
	EventAgentSkillAssessed = "agent.skill.assessed"
	EventToolCallRequested  = "tool.call.requested"
	EventToolCallCompleted  = "tool.call.completed"

	EventArtifactCreated = "artifact.created"
	EventArtifactUpdated = "artifact.updated"

	EventEvidenceManifestFinalized = "evidence.manifest.finalized"

	EventExperimentStarted   = "experiment.started"
	EventExperimentCompleted = "experiment.completed"
)
