package progress

import (
	"context"
	"fmt"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/repo"
)

// LegacyEvidence is what older directives without contribution rows can be judged on.
type LegacyEvidence struct {
	Approved      bool
	PRDStatus     string
	ExecDone      int
	ExecTotal     int
	VerifyDone    int
	VerifyTotal   int
	FinalApproved bool
}

var legacyWeights = []struct {
	name   string
	weight int
}{
	{"LEAD_approval", 20},
	{"PLAN_prd", 20},
	{"EXEC_implementation", 30},
	{"PLAN_verification", 15},
	{"LEAD_final_approval", 15},
}

func (e LegacyEvidence) terms() []int {
	lead := 0
	if e.Approved {
		lead = 100
	}
	prd := 0
	switch e.PRDStatus {
	case "draft":
		prd = 50
	case "approved":
		prd = 100
	}
	final := 0
	if e.FinalApproved {
		final = 100
	}
	return []int{lead, prd, ratio(e.ExecDone, e.ExecTotal), ratio(e.VerifyDone, e.VerifyTotal), final}
}

func ratio(done, total int) int {
	if total <= 0 {
		return 0
	}
	return domain.ClampPercent(done * 100 / total)
}

// LegacyTotal applies the fixed 20/20/30/15/15 split to the evidence.
func LegacyTotal(e LegacyEvidence) int {
	return legacyBreakdown("", e).TotalProgress
}

func legacyBreakdown(directiveID string, e LegacyEvidence) Breakdown {
	b := Breakdown{DirectiveID: directiveID, Source: SourceLegacy}
	terms := e.terms()
	var contributions []domain.PhaseContribution
	for i, w := range legacyWeights {
		p := domain.ClampPercent(terms[i])
		b.Phases = append(b.Phases, PhaseProgress{Name: w.name, Weight: w.weight, Progress: p, Complete: p == 100})
		contributions = append(contributions, domain.PhaseContribution{Weight: w.weight, ComputedProgress: p})
	}
	b.TotalProgress = WeightedTotal(contributions)
	return b
}

func (c Calculator) legacyEvidence(ctx context.Context, q db.Querier, directiveID string) (LegacyEvidence, error) {
	d, err := c.Repo.GetDirective(ctx, q, directiveID)
	if err != nil {
		return LegacyEvidence{}, err
	}
	ev := LegacyEvidence{Approved: d.ApprovedAt != nil}
	prd, err := c.Repo.GetPRD(ctx, q, directiveID)
	switch {
	case err == nil:
		ev.PRDStatus = prd.Status
	case err != repo.ErrNotFound:
		return LegacyEvidence{}, fmt.Errorf("get prd: %w", err)
	}
	if ev.ExecDone, ev.ExecTotal, err = c.Repo.ChecklistCounts(ctx, q, directiveID, domain.PhaseExec); err != nil {
		return LegacyEvidence{}, fmt.Errorf("exec checklist: %w", err)
	}
	if ev.VerifyDone, ev.VerifyTotal, err = c.Repo.ChecklistCounts(ctx, q, directiveID, domain.PhasePlanVerification); err != nil {
		return LegacyEvidence{}, fmt.Errorf("verification checklist: %w", err)
	}
	final, err := c.Repo.LatestAcceptedHandoffInto(ctx, q, directiveID, domain.PhaseLeadFinal)
	switch {
	case err == nil:
		ev.FinalApproved = final.ValidationPassed
	case err != repo.ErrNotFound:
		return LegacyEvidence{}, fmt.Errorf("final handoff: %w", err)
	}
	return ev, nil
}
