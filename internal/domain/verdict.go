package domain

import "strings"

const (
	VerdictPass             = "pass"
	VerdictFail             = "fail"
	VerdictConditionalPass  = "conditional_pass"
	VerdictNeedsMeasurement = "needs_measurement"
)

// legacyVerdicts maps every spelling found in older ledger rows onto the
// canonical set. Migration 0002 applies the same table to stored rows.
var legacyVerdicts = map[string]string{
	"pass":                 VerdictPass,
	"passed":               VerdictPass,
	"approved":             VerdictPass,
	"fail":                 VerdictFail,
	"failed":               VerdictFail,
	"blocked":              VerdictFail,
	"conditional_pass":     VerdictConditionalPass,
	"pass_with_conditions": VerdictConditionalPass,
	"needs_measurement":    VerdictNeedsMeasurement,
}

type Verdict struct {
	ID          string `json:"id"`
	DirectiveID string `json:"directive_id"`
	AgentCode   string `json:"agent_code"`
	Verdict     string `json:"verdict" enum:"pass,fail,conditional_pass,needs_measurement"`
	Confidence  int    `json:"confidence" minimum:"0" maximum:"100"`
	Summary     string `json:"summary,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// NormalizeVerdict returns the canonical verdict for raw, accepting legacy
// spellings in any case.
func NormalizeVerdict(raw string) (string, bool) {
	v, ok := legacyVerdicts[strings.ToLower(strings.TrimSpace(raw))]
	return v, ok
}

// Satisfies reports whether the verdict counts toward a required agent.
func (v Verdict) Satisfies(floor int) bool {
	return (v.Verdict == VerdictPass || v.Verdict == VerdictConditionalPass) && v.Confidence >= floor
}

// NormalizeAgentCode upper-cases agent codes so TESTING and testing match.
func NormalizeAgentCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
