package contracts

// DecisionKind is what the policy gate was asked to authorize.
type DecisionKind string

const (
	KindToolCall   DecisionKind = "tool_call"
	KindDataAccess DecisionKind = "data_access"
	KindEgress     DecisionKind = "egress"
	KindAction     DecisionKind = "action"
)

// DecisionOutcome is the verdict of a policy evaluation.
type DecisionOutcome string

const (
	DecisionAllow           DecisionOutcome = "allow"
	DecisionDeny            DecisionOutcome = "deny"
	DecisionRequireApproval DecisionOutcome = "require_approval"
)

// EnforcementMode controls whether a non-allow decision actually blocks.
type EnforcementMode string

const (
	ModeShadow  EnforcementMode = "shadow"
	ModeEnforce EnforcementMode = "enforce"
)

// Machine-readable reason codes surfaced to callers and recorded on events.
const (
	ReasonDefaultAllow                  = "default_allow"
	ReasonKillSwitchActive              = "kill_switch_active"
	ReasonZoneInsufficient              = "zone_insufficient"
	ReasonCapabilityMissing             = "capability_missing"
	ReasonExternalWriteRequiresApproval = "external_write_requires_approval"
	ReasonConstraintLearnedBlock        = "constraint_learned_block"
	ReasonEgressDomainBlocked           = "egress_domain_blocked"
	ReasonQuotaExceeded                 = "quota_exceeded"
	ReasonRateLimited                   = "rate_limited"
	ReasonWorkspaceRuleBlock            = "workspace_rule_block"
	ReasonApprovalNotOpen               = "approval_not_open"
)

// Decision is the result of Gate.Authorize.
type Decision struct {
	Outcome         DecisionOutcome `json:"decision"`
	ReasonCode      string          `json:"reason_code"`
	Reason          string          `json:"reason,omitempty"`
	Blocked         bool            `json:"blocked"`
	EnforcementMode EnforcementMode `json:"enforcement_mode"`
}

// Allowed reports whether the caller may proceed. In shadow mode a deny is
// recorded but does not block.
func (d Decision) Allowed() bool {
	return d.Outcome == DecisionAllow || !d.Blocked
}

// ApprovalStatus is the projection-side approval state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalHeld     ApprovalStatus = "held"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Terminal reports whether no further transitions are possible.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied
}

// ApprovalScope bounds what an approval covers.
type ApprovalScope string

const (
	ScopeOnce      ApprovalScope = "once"
	ScopeRun       ApprovalScope = "run"
	ScopeRoom      ApprovalScope = "room"
	ScopeWorkspace ApprovalScope = "workspace"
	ScopeTemplate  ApprovalScope = "template"
)

// RunStatus is the projection-side run state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// LifecycleState tracks an agent or workspace through the trust lifecycle.
type LifecycleState string

const (
	LifecycleActive    LifecycleState = "active"
	LifecycleProbation LifecycleState = "probation"
	LifecycleSunset    LifecycleState = "sunset"
)

// ActionSpec is one action-registry catalog entry. The catalog is immutable
// at runtime; it changes only through seeds and migrations.
type ActionSpec struct {
	ActionType          string `json:"action_type" yaml:"action_type"`
	Reversible          bool   `json:"reversible" yaml:"reversible"`
	ZoneRequired        Zone   `json:"zone_required" yaml:"zone_required"`
	RequiresPreApproval bool   `json:"requires_pre_approval" yaml:"requires_pre_approval"`
	PostReviewRequired  bool   `json:"post_review_required" yaml:"post_review_required"`
	CostImpact          string `json:"cost_impact" yaml:"cost_impact"`
	RecoveryDifficulty  string `json:"recovery_difficulty" yaml:"recovery_difficulty"`
	ShadowMode          bool   `json:"shadow_mode" yaml:"shadow_mode"`
}
