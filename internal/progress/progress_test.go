package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govline/internal/config"
	"govline/internal/dbtest"
	"govline/internal/domain"
	"govline/internal/repo"
)

func seeded(t *testing.T, weights []config.PhaseWeight) (Calculator, repo.Repo) {
	t.Helper()
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeFeature, domain.PhaseLead)
	c := Calculator{Repo: r}
	require.NoError(t, c.Seed(context.Background(), r.DB, "d1", weights, dbtest.Now))
	return c, r
}

func TestWeightedTotalSixtyForty(t *testing.T) {
	c, r := seeded(t, []config.PhaseWeight{{Name: "build", Weight: 60}, {Name: "review", Weight: 40}})
	ctx := context.Background()

	_, err := c.SetPhaseProgress(ctx, r.DB, "d1", "build", 100, dbtest.Now)
	require.NoError(t, err)
	_, err = c.SetPhaseProgress(ctx, r.DB, "d1", "review", 50, dbtest.Now)
	require.NoError(t, err)

	total, err := c.Calculate(ctx, r.DB, "d1")
	require.NoError(t, err)
	assert.Equal(t, 80, total)

	b, err := c.Breakdown(ctx, r.DB, "d1")
	require.NoError(t, err)
	assert.Equal(t, total, b.TotalProgress)
	assert.Equal(t, SourceWeighted, b.Source)
	require.Len(t, b.Phases, 2)
	assert.Equal(t, "build", b.Phases[0].Name)
	incomplete := b.Incomplete()
	require.Len(t, incomplete, 1)
	assert.Equal(t, "review", incomplete[0].PhaseName)
	assert.Equal(t, 50, incomplete[0].ComputedProgress)
}

func TestWeightedTotalRoundsHalfUp(t *testing.T) {
	got := WeightedTotal([]domain.PhaseContribution{
		{Weight: 15, ComputedProgress: 10},
		{Weight: 85, ComputedProgress: 0},
	})
	// 150/100 = 1.5
	assert.Equal(t, 2, got)
	got = WeightedTotal([]domain.PhaseContribution{
		{Weight: 1, ComputedProgress: 49},
		{Weight: 99, ComputedProgress: 0},
	})
	assert.Equal(t, 0, got)
	got = WeightedTotal([]domain.PhaseContribution{
		{Weight: 50, ComputedProgress: 99},
		{Weight: 50, ComputedProgress: 100},
	})
	assert.Equal(t, 100, got)
}

func TestSetPhaseProgressClampsAndClearsComplete(t *testing.T) {
	c, r := seeded(t, []config.PhaseWeight{{Name: "only", Weight: 100}})
	ctx := context.Background()

	pc, err := c.SetPhaseProgress(ctx, r.DB, "d1", "only", 140, dbtest.Now)
	require.NoError(t, err)
	assert.Equal(t, 100, pc.ComputedProgress)

	pc, err = c.MarkPhaseComplete(ctx, r.DB, "d1", "only", dbtest.Now)
	require.NoError(t, err)
	assert.True(t, pc.IsComplete)

	pc, err = c.MarkPhaseComplete(ctx, r.DB, "d1", "only", dbtest.Now)
	require.NoError(t, err, "marking twice is a no-op")
	assert.True(t, pc.IsComplete)

	pc, err = c.SetPhaseProgress(ctx, r.DB, "d1", "only", -5, dbtest.Now)
	require.NoError(t, err)
	assert.Equal(t, 0, pc.ComputedProgress)
	assert.False(t, pc.IsComplete)
}

func TestMarkPhaseCompleteNotReady(t *testing.T) {
	c, r := seeded(t, []config.PhaseWeight{{Name: "only", Weight: 100}})
	ctx := context.Background()
	_, err := c.SetPhaseProgress(ctx, r.DB, "d1", "only", 90, dbtest.Now)
	require.NoError(t, err)

	_, err = c.MarkPhaseComplete(ctx, r.DB, "d1", "only", dbtest.Now)
	var nr domain.PhaseNotReadyError
	require.True(t, errors.As(err, &nr))
	assert.Equal(t, 90, nr.Progress)

	_, err = c.MarkPhaseComplete(ctx, r.DB, "d1", "missing", dbtest.Now)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = c.SetPhaseProgress(ctx, r.DB, "d1", "missing", 10, dbtest.Now)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCompletePhasesForAndRefresh(t *testing.T) {
	c, r := seeded(t, config.Default().Phases)
	ctx := context.Background()

	names, err := c.CompletePhasesFor(ctx, r.DB, "d1", domain.PhaseLead, dbtest.Now)
	require.NoError(t, err)
	assert.Equal(t, []string{"LEAD_approval"}, names)

	names, err = c.CompletePhasesFor(ctx, r.DB, "d1", domain.PhaseLead, dbtest.Now)
	require.NoError(t, err)
	assert.Empty(t, names)

	b, err := c.Refresh(ctx, r.DB, "d1", dbtest.Now)
	require.NoError(t, err)
	assert.Equal(t, 20, b.TotalProgress)
	d, err := r.GetDirective(ctx, r.DB, "d1")
	require.NoError(t, err)
	assert.Equal(t, 20, d.Progress)
}

func TestLegacyTotal(t *testing.T) {
	tests := []struct {
		name string
		ev   LegacyEvidence
		want int
	}{
		{"nothing", LegacyEvidence{}, 0},
		{"approved only", LegacyEvidence{Approved: true}, 20},
		{"draft prd", LegacyEvidence{Approved: true, PRDStatus: "draft"}, 30},
		{"half exec", LegacyEvidence{Approved: true, PRDStatus: "approved", ExecDone: 1, ExecTotal: 2}, 55},
		{"empty checklists count zero", LegacyEvidence{Approved: true, PRDStatus: "approved"}, 40},
		{"everything", LegacyEvidence{Approved: true, PRDStatus: "approved", ExecDone: 3, ExecTotal: 3, VerifyDone: 1, VerifyTotal: 1, FinalApproved: true}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LegacyTotal(tt.ev))
		})
	}
}

func TestBreakdownFallsBackToLegacyEvidence(t *testing.T) {
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "old", domain.TypeFeature, domain.PhaseExec)
	ctx := context.Background()
	require.NoError(t, r.UpsertPRD(ctx, r.DB, domain.PRD{DirectiveID: "old", Title: "prd", Status: "approved", CreatedAt: dbtest.Now, UpdatedAt: dbtest.Now}))
	require.NoError(t, r.InsertChecklistItem(ctx, r.DB, domain.ChecklistItem{ID: "c1", DirectiveID: "old", Phase: domain.PhaseExec, Label: "a", Done: true, UpdatedAt: dbtest.Now}))
	require.NoError(t, r.InsertChecklistItem(ctx, r.DB, domain.ChecklistItem{ID: "c2", DirectiveID: "old", Phase: domain.PhaseExec, Label: "b", UpdatedAt: dbtest.Now}))

	c := Calculator{Repo: r}
	b, err := c.Breakdown(ctx, r.DB, "old")
	require.NoError(t, err)
	assert.Equal(t, SourceLegacy, b.Source)
	// not approved: 0 + prd 20 + exec 15
	assert.Equal(t, 35, b.TotalProgress)
	total, err := c.Calculate(ctx, r.DB, "old")
	require.NoError(t, err)
	assert.Equal(t, b.TotalProgress, total)
}

func TestSevenPhasesSixtyComplete(t *testing.T) {
	weights := []config.PhaseWeight{
		{Name: "p1", Weight: 12}, {Name: "p2", Weight: 12}, {Name: "p3", Weight: 12}, {Name: "p4", Weight: 12}, {Name: "p5", Weight: 12},
		{Name: "p6", Weight: 20}, {Name: "p7", Weight: 20},
	}
	c, r := seeded(t, weights)
	ctx := context.Background()
	for _, w := range weights[:5] {
		_, err := c.SetPhaseProgress(ctx, r.DB, "d1", w.Name, 100, dbtest.Now)
		require.NoError(t, err)
		_, err = c.MarkPhaseComplete(ctx, r.DB, "d1", w.Name, dbtest.Now)
		require.NoError(t, err)
	}
	b, err := c.Breakdown(ctx, r.DB, "d1")
	require.NoError(t, err)
	assert.Equal(t, 60, b.TotalProgress)
	sum := 0
	for _, p := range b.Phases {
		sum += p.Weight
		if p.Complete {
			assert.Equal(t, 100, p.Progress)
		}
	}
	assert.Equal(t, 100, sum)
}
