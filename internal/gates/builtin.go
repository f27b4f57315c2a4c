package gates

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"govline/internal/cascade"
	"govline/internal/domain"
	"govline/internal/policy"
	"govline/internal/repo"
)

// VerdictSource is the read side of the sub-agent ledger.
type VerdictSource interface {
	Verdicts(ctx context.Context, directiveID string) ([]domain.Verdict, error)
}

// Standard returns the built-in gates in evaluation order.
func Standard(p policy.Policy, verdicts VerdictSource, validator cascade.Validator, r repo.Repo) []Gate {
	return []Gate{
		NarrativeGate{},
		OrchestrationGate{Policy: p, Verdicts: verdicts},
		CascadeGate{Validator: validator},
		ChildCompletionGate{Repo: r},
	}
}

const (
	substantiveChars   = 20
	narrativePassScore = 70
)

// NarrativeGate scores how many of the seven sections carry real content.
type NarrativeGate struct{}

func (NarrativeGate) Name() string    { return "narrative_quality" }
func (NarrativeGate) Mode() string    { return ModeBlocking }
func (NarrativeGate) Weight() float64 { return 1 }

func (NarrativeGate) Evaluate(_ context.Context, in Input) (domain.GateResult, error) {
	sections := in.Narrative.Sections()
	substantive := 0
	var issues []string
	for _, s := range sections {
		n := nonSpace(s.Text)
		if n >= substantiveChars {
			substantive++
			continue
		}
		issues = append(issues, fmt.Sprintf("section %s has %d characters, need %d", s.Name, n, substantiveChars))
	}
	score := (100*substantive + len(sections)/2) / len(sections)
	return domain.GateResult{
		Passed:   score >= narrativePassScore,
		Score:    score,
		MaxScore: 100,
		Issues:   issues,
	}, nil
}

func nonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// OrchestrationGate requires a passing verdict from every sub-agent the
// directive type names.
type OrchestrationGate struct {
	Policy   policy.Policy
	Verdicts VerdictSource
}

func (OrchestrationGate) Name() string    { return "sub_agent_orchestration" }
func (OrchestrationGate) Mode() string    { return ModeBlocking }
func (OrchestrationGate) Weight() float64 { return 1 }

func (g OrchestrationGate) Evaluate(ctx context.Context, in Input) (domain.GateResult, error) {
	d := in.Directive
	if !d.RequiresGatedSubagents {
		return domain.GateResult{
			Passed:   true,
			Score:    100,
			MaxScore: 100,
			Warnings: []string{fmt.Sprintf("orchestration skipped: type %s does not require sub-agents", d.Type)},
		}, nil
	}
	required := g.Policy.RequiredAgents(d.Type)
	if len(required) == 0 {
		return domain.GateResult{Passed: true, Score: 100, MaxScore: 100}, nil
	}
	verdicts, err := g.Verdicts.Verdicts(ctx, d.ID)
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("load verdicts: %w", err)
	}
	floor := g.Policy.ConfidenceFloor()
	missing := missingAgents(d, g.Policy, verdicts)
	var issues []string
	for _, agent := range missing {
		issues = append(issues, fmt.Sprintf("required agent %s has no passing verdict with confidence >= %d", agent, floor))
	}
	count := len(required) - len(missing)
	return domain.GateResult{
		Passed:   len(missing) == 0,
		Score:    100 * count / len(required),
		MaxScore: 100,
		Issues:   issues,
	}, nil
}

// CascadeGate reports parent alignment drift. It never blocks.
type CascadeGate struct {
	Validator cascade.Validator
}

func (CascadeGate) Name() string    { return "cascade_alignment" }
func (CascadeGate) Mode() string    { return ModeAdvisory }
func (CascadeGate) Weight() float64 { return 1 }

func (g CascadeGate) Evaluate(ctx context.Context, in Input) (domain.GateResult, error) {
	if in.Directive.ParentID == nil {
		return domain.GateResult{Passed: true, Score: 100, MaxScore: 100}, nil
	}
	res, err := g.Validator.Check(ctx, in.Directive, in.HandoffType)
	if err != nil {
		return domain.GateResult{}, err
	}
	var warnings []string
	for _, v := range res.Violations {
		warnings = append(warnings, fmt.Sprintf("%s: %s", v.Severity, v.Reason))
	}
	warnings = append(warnings, res.Warnings...)
	return domain.GateResult{
		Passed:   true,
		Score:    domain.ClampPercent(res.Score),
		MaxScore: 100,
		Warnings: warnings,
	}, nil
}

// ChildCompletionGate keeps an orchestrator out of final approval while any
// child directive is still open.
type ChildCompletionGate struct {
	Repo repo.Repo
}

func (ChildCompletionGate) Name() string    { return "child_completion" }
func (ChildCompletionGate) Mode() string    { return ModeBlocking }
func (ChildCompletionGate) Weight() float64 { return 1 }

func (g ChildCompletionGate) Evaluate(ctx context.Context, in Input) (domain.GateResult, error) {
	if in.Directive.Type != domain.TypeOrchestrator || in.ToPhase != domain.PhaseLeadFinal {
		return domain.GateResult{Passed: true, Score: 100, MaxScore: 100}, nil
	}
	children, err := g.Repo.ListChildren(ctx, g.Repo.DB, in.Directive.ID)
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("list children: %w", err)
	}
	if len(children) == 0 {
		return domain.GateResult{Passed: true, Score: 100, MaxScore: 100}, nil
	}
	var open []string
	for _, c := range children {
		if !domain.IsTerminalPhase(c.Phase) {
			open = append(open, fmt.Sprintf("%s (%s, %d%%)", c.ID, c.Phase, c.Progress))
		}
	}
	done := len(children) - len(open)
	res := domain.GateResult{
		Passed:   len(open) == 0,
		Score:    100 * done / len(children),
		MaxScore: 100,
	}
	if len(open) > 0 {
		res.Issues = []string{"open child directives: " + strings.Join(open, ", ")}
	}
	return res, nil
}
