package domain

import "strings"

const (
	PhaseDraft            = "DRAFT"
	PhaseLead             = "LEAD"
	PhasePlan             = "PLAN"
	PhaseExec             = "EXEC"
	PhasePlanVerification = "PLAN_VERIFICATION"
	PhaseLeadFinal        = "LEAD_FINAL"
	PhaseCompleted        = "COMPLETED"
	PhaseArchived         = "ARCHIVED"
)

const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusArchived  = "archived"
)

const (
	HandoffPending  = "pending"
	HandoffAccepted = "accepted"
	HandoffRejected = "rejected"
)

const (
	TypeFeature        = "feature"
	TypeInfrastructure = "infrastructure"
	TypeDatabase       = "database"
	TypeDocumentation  = "documentation"
	TypeBugfix         = "bugfix"
	TypeOrchestrator   = "orchestrator"
)

// DirectiveTypes lists the recognised directive types.
var DirectiveTypes = []string{TypeFeature, TypeInfrastructure, TypeDatabase, TypeDocumentation, TypeBugfix, TypeOrchestrator}

// PhaseOrder is the only legal forward sequence. ARCHIVED sits outside it.
var PhaseOrder = []string{PhaseDraft, PhaseLead, PhasePlan, PhaseExec, PhasePlanVerification, PhaseLeadFinal, PhaseCompleted}

var handoffTypes = map[string]string{
	PhaseLead + ">" + PhasePlan:                  "LEAD-TO-PLAN",
	PhasePlan + ">" + PhaseExec:                  "PLAN-TO-EXEC",
	PhaseExec + ">" + PhasePlanVerification:      "EXEC-TO-PLAN",
	PhasePlanVerification + ">" + PhaseLeadFinal: "PLAN-TO-LEAD",
}

// NextPhase returns the phase that follows p in the fixed order.
func NextPhase(p string) (string, bool) {
	for i, name := range PhaseOrder {
		if name == p && i+1 < len(PhaseOrder) {
			return PhaseOrder[i+1], true
		}
	}
	return "", false
}

// PhaseIndex returns the position of p in PhaseOrder or -1.
func PhaseIndex(p string) int {
	for i, name := range PhaseOrder {
		if name == p {
			return i
		}
	}
	return -1
}

func IsTerminalPhase(p string) bool {
	return p == PhaseCompleted || p == PhaseArchived
}

// HandoffType names the transition between two adjacent phases. Empty when
// the pair is not reachable through a handoff.
func HandoffType(from, to string) string {
	return handoffTypes[from+">"+to]
}

// IsHandoffSource reports whether a handoff can leave phase p.
func IsHandoffSource(p string) bool {
	next, ok := NextPhase(p)
	return ok && HandoffType(p, next) != ""
}

func IsDirectiveType(t string) bool {
	for _, known := range DirectiveTypes {
		if known == t {
			return true
		}
	}
	return false
}

type Directive struct {
	ID                     string  `json:"id"`
	Title                  string  `json:"title"`
	Description            string  `json:"description,omitempty"`
	Status                 string  `json:"status" enum:"draft,active,completed,archived"`
	Phase                  string  `json:"phase" enum:"DRAFT,LEAD,PLAN,EXEC,PLAN_VERIFICATION,LEAD_FINAL,COMPLETED,ARCHIVED"`
	Type                   string  `json:"type" enum:"feature,infrastructure,database,documentation,bugfix,orchestrator"`
	ParentID               *string `json:"parent_id,omitempty"`
	RequiresGatedSubagents bool    `json:"requires_gated_subagents"`
	Progress               int     `json:"progress" minimum:"0" maximum:"100"`
	CreatedBy              string  `json:"created_by"`
	ApprovedBy             *string `json:"approved_by,omitempty"`
	ApprovedAt             *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
	UpdatedAt              string  `json:"updated_at" format:"date-time"`
	CompletedAt            *string `json:"completed_at,omitempty" format:"date-time"`
}

// Narrative is the fixed seven-section report attached to every handoff.
type Narrative struct {
	ExecutiveSummary     string `json:"executive_summary"`
	DeliverablesManifest string `json:"deliverables_manifest"`
	KeyDecisions         string `json:"key_decisions"`
	KnownIssues          string `json:"known_issues"`
	ResourceUtilization  string `json:"resource_utilization"`
	ActionItems          string `json:"action_items"`
	CompletenessReport   string `json:"completeness_report"`
}

type NarrativeSection struct {
	Name string
	Text string
}

func (n Narrative) Sections() []NarrativeSection {
	return []NarrativeSection{
		{"executive_summary", n.ExecutiveSummary},
		{"deliverables_manifest", n.DeliverablesManifest},
		{"key_decisions", n.KeyDecisions},
		{"known_issues", n.KnownIssues},
		{"resource_utilization", n.ResourceUtilization},
		{"action_items", n.ActionItems},
		{"completeness_report", n.CompletenessReport},
	}
}

// Validate rejects a narrative with any blank section.
func (n Narrative) Validate() error {
	fields := map[string]string{}
	for _, s := range n.Sections() {
		if strings.TrimSpace(s.Text) == "" {
			fields[s.Name] = "required"
		}
	}
	if len(fields) > 0 {
		return ValidationError{Fields: fields}
	}
	return nil
}

type GateResult struct {
	Name     string   `json:"name"`
	Mode     string   `json:"mode" enum:"blocking,advisory"`
	Passed   bool     `json:"passed"`
	Score    int      `json:"score"`
	MaxScore int      `json:"max_score"`
	Weight   float64  `json:"weight,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

type Handoff struct {
	ID               string         `json:"id"`
	DirectiveID      string         `json:"directive_id"`
	FromPhase        string         `json:"from_phase"`
	ToPhase          string         `json:"to_phase"`
	HandoffType      string         `json:"handoff_type"`
	Status           string         `json:"status" enum:"pending,accepted,rejected"`
	ValidationScore  int            `json:"validation_score" minimum:"0" maximum:"100"`
	ValidationPassed bool           `json:"validation_passed"`
	Narrative        Narrative      `json:"narrative"`
	GateResults      []GateResult   `json:"gate_results"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RejectionReason  string         `json:"rejection_reason,omitempty"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	AcceptedBy       *string        `json:"accepted_by,omitempty"`
	AcceptedAt       *string        `json:"accepted_at,omitempty" format:"date-time"`
	RejectedAt       *string        `json:"rejected_at,omitempty" format:"date-time"`
}

// UnmetGates names gates that failed or fell short of threshold.
func (h Handoff) UnmetGates(threshold int) []string {
	var out []string
	for _, g := range h.GateResults {
		if !g.Passed || NormalizedScore(g.Score, g.MaxScore) < threshold {
			out = append(out, g.Name)
		}
	}
	return out
}

// FailedBlockingGates names the blocking gates that did not pass.
func (h Handoff) FailedBlockingGates() []string {
	var out []string
	for _, g := range h.GateResults {
		if g.Mode == "blocking" && !g.Passed {
			out = append(out, g.Name)
		}
	}
	return out
}

// NormalizedScore scales score/max to 0..100. A non-positive max counts as 100.
func NormalizedScore(score, max int) int {
	if max <= 0 {
		max = 100
	}
	v := (score*100 + max/2) / max
	return ClampPercent(v)
}

func ClampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

type PhaseContribution struct {
	DirectiveID      string `json:"directive_id"`
	PhaseName        string `json:"phase_name"`
	Weight           int    `json:"weight"`
	ComputedProgress int    `json:"computed_progress"`
	IsComplete       bool   `json:"is_complete"`
	CompletedBy      string `json:"completed_by,omitempty"`
	Ordinal          int    `json:"ordinal"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type PRD struct {
	DirectiveID string `json:"directive_id"`
	Title       string `json:"title"`
	Status      string `json:"status" enum:"draft,approved"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type ChecklistItem struct {
	ID          string `json:"id"`
	DirectiveID string `json:"directive_id"`
	Phase       string `json:"phase" enum:"EXEC,PLAN_VERIFICATION"`
	Label       string `json:"label"`
	Done        bool   `json:"done"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	DirectiveID string `json:"directive_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"key_hash"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
