// Package dlp scans event payloads for leaked credentials before they are
// committed to the log. Detection never blocks an append: the original event
// is stored as-is (append-only), flagged, and followed by redaction events.
package dlp

import (
	"encoding/json"
	"regexp"
)

// Scan budget. Oversized payloads are scanned up to MaxScanBytes and excess
// matches beyond MaxMatches are dropped; Result.Truncated reports either cap
// being hit so the store can append a warning event.
const (
	MaxScanBytes = 256 * 1024
	MaxMatches   = 20
)

// Rule is a single secret-detection pattern.
type Rule struct {
	ID      string
	Pattern *regexp.Regexp
}

// Match is one detected secret with a masked preview safe for audit logs.
type Match struct {
	RuleID        string `json:"rule_id"`
	MaskedPreview string `json:"masked_preview"`
}

// Result is the outcome of scanning one payload.
type Result struct {
	ContainsSecrets bool    `json:"contains_secrets"`
	Matches         []Match `json:"matches,omitempty"`
	Truncated       bool    `json:"truncated,omitempty"`
}

// DefaultRules covers the credential formats seen crossing the boundary.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "openai_api_key", Pattern: regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`)},
		{ID: "github_pat", Pattern: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`)},
		{ID: "aws_access_key_id", Pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{ID: "bearer_token", Pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`)},
	}
}

// Scanner runs a single-pass sweep of all rules over serialized payloads.
type Scanner struct {
	rules []Rule
}

// NewScanner builds a scanner; nil rules selects DefaultRules.
func NewScanner(rules []Rule) *Scanner {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Scanner{rules: rules}
}

// ScanValue serializes v to JSON and scans the text form.
func (s *Scanner) ScanValue(v any) Result {
	raw, err := json.Marshal(v)
	if err != nil {
		return Result{}
	}
	return s.Scan(raw)
}

// Scan sweeps data with every rule, respecting the scan budget.
func (s *Scanner) Scan(data []byte) Result {
	var res Result
	if len(data) > MaxScanBytes {
		data = data[:MaxScanBytes]
		res.Truncated = true
	}
	for _, rule := range s.rules {
		locs := rule.Pattern.FindAll(data, MaxMatches+1)
		for _, loc := range locs {
			if len(res.Matches) >= MaxMatches {
				res.Truncated = true
				break
			}
			res.Matches = append(res.Matches, Match{
				RuleID:        rule.ID,
				MaskedPreview: mask(string(loc)),
			})
		}
	}
	res.ContainsSecrets = len(res.Matches) > 0
	return res
}

// mask keeps just enough of the secret to identify it in an audit trail.
func mask(secret string) string {
	const keep = 6
	if len(secret) <= keep {
		return "******"
	}
	return secret[:keep] + "****"
}

// RuleIDs returns the distinct rule ids present in matches, in order.
func RuleIDs(matches []Match) []string {
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m.RuleID] {
			seen[m.RuleID] = true
			out = append(out, m.RuleID)
		}
	}
	return out
}

// Previews returns the masked previews of matches, in order.
func Previews(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.MaskedPreview)
	}
	return out
}
