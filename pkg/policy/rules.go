package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// RuleEffect is what a matched workspace rule does.
type RuleEffect string

const (
	EffectDeny            RuleEffect = "deny"
	EffectRequireApproval RuleEffect = "require_approval"
)

// Rule is one workspace-configured policy rule. Expression is a CEL boolean
// over the request variables; a true result applies the effect.
type Rule struct {
	Name       string     `json:"name" yaml:"name"`
	Expression string     `json:"expression" yaml:"expression"`
	Effect     RuleEffect `json:"effect" yaml:"effect"`
	ReasonCode string     `json:"reason_code,omitempty" yaml:"reason_code,omitempty"`
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// RuleMatch is the first rule whose expression evaluated true.
type RuleMatch struct {
	Rule Rule
}

// Evaluator compiles and evaluates per-workspace CEL rules.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	rules map[string][]compiledRule
}

// NewEvaluator builds the shared CEL environment. The variable set is the
// stable contract between rule authors and the gate.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("zone", cel.StringType),
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("actor_id", cel.StringType),
		cel.Variable("domain", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("room_id", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &Evaluator{env: env, rules: make(map[string][]compiledRule)}, nil
}

// SetWorkspaceRules compiles and installs the rule list for a workspace,
// replacing any previous set. A compile error rejects the whole list.
func (ev *Evaluator) SetWorkspaceRules(workspaceID string, rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Effect != EffectDeny && r.Effect != EffectRequireApproval {
			return fmt.Errorf("policy: rule %q has unknown effect %q", r.Name, r.Effect)
		}
		ast, iss := ev.env.Compile(r.Expression)
		if iss.Err() != nil {
			return fmt.Errorf("policy: rule %q: %w", r.Name, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("policy: rule %q must evaluate to bool", r.Name)
		}
		prg, err := ev.env.Program(ast)
		if err != nil {
			return fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: r, program: prg})
	}
	ev.mu.Lock()
	ev.rules[workspaceID] = compiled
	ev.mu.Unlock()
	return nil
}

// Evaluate runs the workspace's rules in order and returns the first match.
// A rule that errors at evaluation time is skipped; rules must fail open
// individually so one broken expression cannot lock a workspace out.
func (ev *Evaluator) Evaluate(workspaceID string, req Request) (*RuleMatch, error) {
	ev.mu.RLock()
	compiled := ev.rules[workspaceID]
	ev.mu.RUnlock()
	if len(compiled) == 0 {
		return nil, nil
	}

	ctxMap := req.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	vars := map[string]any{
		"kind":       string(req.Kind),
		"action":     req.Action,
		"zone":       string(req.Zone),
		"actor_type": string(req.Actor.Type),
		"actor_id":   req.Actor.ID,
		"domain":     req.Domain,
		"tool":       req.Tool,
		"room_id":    req.RoomID,
		"context":    ctxMap,
	}
	for _, c := range compiled {
		out, _, err := c.program.Eval(vars)
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			rule := c.rule
			if rule.ReasonCode == "" {
				rule.ReasonCode = contracts.ReasonWorkspaceRuleBlock
			}
			return &RuleMatch{Rule: rule}, nil
		}
	}
	return nil, nil
}
