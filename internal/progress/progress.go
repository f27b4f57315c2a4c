// Package progress computes directive progress from phase contributions and
// owns every write to them.
package progress

import (
	"context"
	"fmt"

	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/repo"
)

const (
	SourceWeighted = "weighted"
	SourceLegacy   = "legacy"
)

type PhaseProgress struct {
	Name        string `json:"name"`
	Weight      int    `json:"weight"`
	Progress    int    `json:"progress"`
	Complete    bool   `json:"complete"`
	CompletedBy string `json:"completed_by,omitempty"`
}

type Breakdown struct {
	DirectiveID   string          `json:"directive_id"`
	TotalProgress int             `json:"total_progress"`
	Source        string          `json:"source" enum:"weighted,legacy"`
	Phases        []PhaseProgress `json:"phases"`
}

// Incomplete returns the phases below 100 in configured order.
func (b Breakdown) Incomplete() []domain.PhaseContribution {
	var out []domain.PhaseContribution
	for i, p := range b.Phases {
		if p.Progress < 100 {
			out = append(out, domain.PhaseContribution{
				DirectiveID:      b.DirectiveID,
				PhaseName:        p.Name,
				Weight:           p.Weight,
				ComputedProgress: p.Progress,
				IsComplete:       p.Complete,
				CompletedBy:      p.CompletedBy,
				Ordinal:          i,
			})
		}
	}
	return out
}

type Calculator struct {
	Repo repo.Repo
}

// Calculate returns the total shown by Breakdown.
func (c Calculator) Calculate(ctx context.Context, q db.Querier, directiveID string) (int, error) {
	b, err := c.Breakdown(ctx, q, directiveID)
	if err != nil {
		return 0, err
	}
	return b.TotalProgress, nil
}

func (c Calculator) Breakdown(ctx context.Context, q db.Querier, directiveID string) (Breakdown, error) {
	contributions, err := c.Repo.ListContributions(ctx, q, directiveID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("list contributions: %w", err)
	}
	if len(contributions) > 0 {
		b := Breakdown{DirectiveID: directiveID, Source: SourceWeighted, TotalProgress: WeightedTotal(contributions)}
		for _, pc := range contributions {
			b.Phases = append(b.Phases, PhaseProgress{
				Name:        pc.PhaseName,
				Weight:      pc.Weight,
				Progress:    domain.ClampPercent(pc.ComputedProgress),
				Complete:    pc.IsComplete,
				CompletedBy: pc.CompletedBy,
			})
		}
		return b, nil
	}
	ev, err := c.legacyEvidence(ctx, q, directiveID)
	if err != nil {
		return Breakdown{}, err
	}
	return legacyBreakdown(directiveID, ev), nil
}

// WeightedTotal is round_half_up(sum(weight*progress)/100).
func WeightedTotal(contributions []domain.PhaseContribution) int {
	sum := 0
	for _, pc := range contributions {
		sum += pc.Weight * domain.ClampPercent(pc.ComputedProgress)
	}
	return domain.ClampPercent((sum + 50) / 100)
}

// Seed inserts one zeroed contribution per configured phase.
func (c Calculator) Seed(ctx context.Context, q db.Querier, directiveID string, weights []config.PhaseWeight, now string) error {
	for i, w := range weights {
		err := c.Repo.InsertContribution(ctx, q, domain.PhaseContribution{
			DirectiveID: directiveID,
			PhaseName:   w.Name,
			Weight:      w.Weight,
			CompletedBy: w.CompletedBy,
			Ordinal:     i,
			UpdatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("seed contribution %s: %w", w.Name, err)
		}
	}
	return nil
}

// SetPhaseProgress clamps and stores progress. A value below 100 clears is_complete.
func (c Calculator) SetPhaseProgress(ctx context.Context, q db.Querier, directiveID, phase string, value int, now string) (domain.PhaseContribution, error) {
	n, err := c.Repo.SetContributionProgress(ctx, q, directiveID, phase, domain.ClampPercent(value), now)
	if err != nil {
		return domain.PhaseContribution{}, err
	}
	pc, err := c.Repo.GetContribution(ctx, q, directiveID, phase)
	if err != nil {
		return domain.PhaseContribution{}, err
	}
	if n == 0 {
		return pc, domain.ConcurrentModificationError{Entity: "directive", ID: directiveID, Expected: "open"}
	}
	return pc, nil
}

// MarkPhaseComplete flags a phase already at 100. Repeating it is a no-op.
func (c Calculator) MarkPhaseComplete(ctx context.Context, q db.Querier, directiveID, phase, now string) (domain.PhaseContribution, error) {
	n, err := c.Repo.MarkContributionComplete(ctx, q, directiveID, phase, now)
	if err != nil {
		return domain.PhaseContribution{}, err
	}
	pc, err := c.Repo.GetContribution(ctx, q, directiveID, phase)
	if err != nil {
		return domain.PhaseContribution{}, err
	}
	if n == 0 && !pc.IsComplete {
		return pc, domain.PhaseNotReadyError{DirectiveID: directiveID, Phase: phase, Progress: pc.ComputedProgress}
	}
	return pc, nil
}

// CompletePhasesFor finishes contributions owned by the phase a handoff leaves.
func (c Calculator) CompletePhasesFor(ctx context.Context, q db.Querier, directiveID, fromPhase, now string) ([]string, error) {
	return c.Repo.CompleteContributionsBy(ctx, q, directiveID, fromPhase, now)
}

// Refresh recomputes and caches the total on the directive row.
func (c Calculator) Refresh(ctx context.Context, q db.Querier, directiveID, now string) (Breakdown, error) {
	b, err := c.Breakdown(ctx, q, directiveID)
	if err != nil {
		return Breakdown{}, err
	}
	if err := c.Repo.SetDirectiveProgress(ctx, q, directiveID, b.TotalProgress, now); err != nil {
		return Breakdown{}, fmt.Errorf("cache progress: %w", err)
	}
	return b, nil
}
