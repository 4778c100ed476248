package contracts

import "encoding/json"

// Typed views over Event.Data for the event types the core reacts to.
// Data stays a generic map on the wire; DecodeEventData projects it into the
// matching variant and falls back to UnknownPayload so forward-additive
// payloads never fail to decode.

// RunFailedPayload is the data of a run.failed event.
type RunFailedPayload struct {
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id,omitempty"`
	RiskTier  string `json:"risk_tier,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ScorecardRecordedPayload is the data of a scorecard.recorded event.
type ScorecardRecordedPayload struct {
	RunID         string  `json:"run_id"`
	AgentID       string  `json:"agent_id"`
	Decision      string  `json:"decision,omitempty"`
	Iteration     int     `json:"iteration,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`
	Score         float64 `json:"score,omitempty"`
}

// ApprovalDecidedPayload is the data of an approval.decided event.
type ApprovalDecidedPayload struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	DecidedBy  string `json:"decided_by,omitempty"`
	Note       string `json:"note,omitempty"`
}

// IncidentOpenedPayload is the data of an incident.opened event.
type IncidentOpenedPayload struct {
	IncidentID string `json:"incident_id"`
	Category   string `json:"category"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// RedactionPayload is the data of an event.redacted event.
type RedactionPayload struct {
	TargetEventID  string `json:"target_event_id"`
	RedactionLevel string `json:"redaction_level"`
	Reason         string `json:"reason,omitempty"`
}

// SecretLeakPayload is the data of a secret.leaked.detected event.
type SecretLeakPayload struct {
	TargetEventID  string   `json:"target_event_id"`
	RuleIDs        []string `json:"rule_ids"`
	MaskedPreviews []string `json:"masked_previews"`
}

// UnknownPayload carries the raw data of event types the core does not model.
type UnknownPayload struct {
	EventType string
	Raw       map[string]any
}

// DecodeEventData returns the typed payload for e, or UnknownPayload.
func DecodeEventData(e *Event) (any, error) {
	switch e.EventType {
	case EventRunFailed:
		return decodeAs[RunFailedPayload](e)
	case EventScorecardRecorded:
		return decodeAs[ScorecardRecordedPayload](e)
	case EventApprovalDecided:
		return decodeAs[ApprovalDecidedPayload](e)
	case EventIncidentOpened:
		return decodeAs[IncidentOpenedPayload](e)
	case EventEventRedacted:
		return decodeAs[RedactionPayload](e)
	case EventSecretLeakDetected:
		return decodeAs[SecretLeakPayload](e)
	default:
		return UnknownPayload{EventType: e.EventType, Raw: e.Data}, nil
	}
}

func decodeAs[T any](e *Event) (T, error) {
	var out T
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
