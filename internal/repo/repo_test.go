package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govline/internal/dbtest"
	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/repo"
)

func handoff(id, directiveID, from, to string, passed bool) domain.Handoff {
	return domain.Handoff{
		ID:               id,
		DirectiveID:      directiveID,
		FromPhase:        from,
		ToPhase:          to,
		HandoffType:      domain.HandoffType(from, to),
		Status:           domain.HandoffPending,
		ValidationScore:  90,
		ValidationPassed: passed,
		GateResults:      []domain.GateResult{{Name: "narrative_quality", Mode: "blocking", Passed: passed, Score: 90, MaxScore: 100}},
		CreatedBy:        "tester",
		CreatedAt:        dbtest.Now,
	}
}

func TestGetDirectiveNotFound(t *testing.T) {
	r := dbtest.Open(t)
	_, err := r.GetDirective(context.Background(), r.DB, "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestConditionalPhaseUpdates(t *testing.T) {
	ctx := context.Background()
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeFeature, domain.PhaseDraft)

	n, err := r.ApproveDirective(ctx, r.DB, "d1", "lead", dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = r.ApproveDirective(ctx, r.DB, "d1", "lead", dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "approve is only valid from DRAFT")

	n, err = r.AdvancePhase(ctx, r.DB, "d1", domain.PhasePlan, domain.PhaseExec, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "stale from phase must not match")
	n, err = r.AdvancePhase(ctx, r.DB, "d1", domain.PhaseLead, domain.PhasePlan, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	d, err := r.GetDirective(ctx, r.DB, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlan, d.Phase)
	assert.Equal(t, domain.StatusActive, d.Status)
	require.NotNil(t, d.ApprovedBy)
	assert.Equal(t, "lead", *d.ApprovedBy)
}

func TestAcceptHandoffWritesOnce(t *testing.T) {
	ctx := context.Background()
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeInfrastructure, domain.PhaseLead)
	require.NoError(t, r.InsertHandoff(ctx, r.DB, handoff("h1", "d1", domain.PhaseLead, domain.PhasePlan, true)))

	n, err := r.AcceptHandoff(ctx, r.DB, "h1", "alice", "2024-01-01T00:00:01Z")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = r.AcceptHandoff(ctx, r.DB, "h1", "bob", "2024-01-01T00:00:02Z")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	n, err = r.RejectHandoff(ctx, r.DB, "h1", "late", "2024-01-01T00:00:03Z")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "accepted handoffs cannot be rejected")

	h, err := r.GetHandoff(ctx, r.DB, "h1")
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffAccepted, h.Status)
	require.NotNil(t, h.AcceptedAt)
	assert.Equal(t, "2024-01-01T00:00:01Z", *h.AcceptedAt)
	assert.Equal(t, "alice", *h.AcceptedBy)
	require.Len(t, h.GateResults, 1)
	assert.Equal(t, "narrative_quality", h.GateResults[0].Name)

	latest, err := r.LatestAcceptedHandoffInto(ctx, r.DB, "d1", domain.PhasePlan)
	require.NoError(t, err)
	assert.Equal(t, "h1", latest.ID)
	_, err = r.LatestAcceptedHandoffInto(ctx, r.DB, "d1", domain.PhaseLeadFinal)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func seedContributions(t *testing.T, r repo.Repo, directiveID string, weights map[string]int) {
	t.Helper()
	ord := 0
	for name, w := range weights {
		require.NoError(t, r.InsertContribution(context.Background(), r.DB, domain.PhaseContribution{
			DirectiveID: directiveID,
			PhaseName:   name,
			Weight:      w,
			Ordinal:     ord,
			UpdatedAt:   dbtest.Now,
		}))
		ord++
	}
}

func TestCompleteDirectiveIfEligible(t *testing.T) {
	ctx := context.Background()
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeDocumentation, domain.PhaseLeadFinal)
	seedContributions(t, r, "d1", map[string]int{"work": 60, "final": 40})

	_, err := r.SetContributionProgress(ctx, r.DB, "d1", "work", 100, dbtest.Now)
	require.NoError(t, err)
	_, err = r.SetContributionProgress(ctx, r.DB, "d1", "final", 98, dbtest.Now)
	require.NoError(t, err)

	n, err := r.CompleteDirectiveIfEligible(ctx, r.DB, "d1", 0, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "99.2%% does not round to 100")

	_, err = r.SetContributionProgress(ctx, r.DB, "d1", "final", 100, dbtest.Now)
	require.NoError(t, err)
	n, err = r.CompleteDirectiveIfEligible(ctx, r.DB, "d1", 0, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "no validated final handoff yet")

	require.NoError(t, r.InsertHandoff(ctx, r.DB, handoff("h1", "d1", domain.PhasePlanVerification, domain.PhaseLeadFinal, true)))
	_, err = r.AcceptHandoff(ctx, r.DB, "h1", "lead", dbtest.Now)
	require.NoError(t, err)

	n, err = r.CompleteDirectiveIfEligible(ctx, r.DB, "d1", 0, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = r.CompleteDirectiveIfEligible(ctx, r.DB, "d1", 0, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	d, err := r.GetDirective(ctx, r.DB, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, d.Status)
	assert.Equal(t, 100, d.Progress)
	require.NotNil(t, d.CompletedAt)

	n, err = r.SetContributionProgress(ctx, r.DB, "d1", "work", 10, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "completed directives are frozen")
}

func TestLegacyCompletionWithoutContributions(t *testing.T) {
	ctx := context.Background()
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeBugfix, domain.PhaseLeadFinal)
	require.NoError(t, r.InsertHandoff(ctx, r.DB, handoff("h1", "d1", domain.PhasePlanVerification, domain.PhaseLeadFinal, true)))
	_, err := r.AcceptHandoff(ctx, r.DB, "h1", "lead", dbtest.Now)
	require.NoError(t, err)

	n, err := r.CompleteDirectiveIfEligible(ctx, r.DB, "d1", 85, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	n, err = r.CompleteDirectiveIfEligible(ctx, r.DB, "d1", 100, dbtest.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestVerdictsKeepRawValues(t *testing.T) {
	ctx := context.Background()
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeFeature, domain.PhaseExec)
	require.NoError(t, r.InsertVerdict(ctx, r.DB, domain.Verdict{ID: "v1", DirectiveID: "d1", AgentCode: "TESTING", Verdict: "PASSED", Confidence: 80, CreatedAt: "2024-01-01T00:00:01Z"}))
	require.NoError(t, r.InsertVerdict(ctx, r.DB, domain.Verdict{ID: "v2", DirectiveID: "d1", AgentCode: "TESTING", Verdict: domain.VerdictFail, Confidence: 90, CreatedAt: "2024-01-01T00:00:02Z"}))

	items, err := r.ListVerdicts(ctx, r.DB, "d1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "v1", items[0].ID)
	assert.Equal(t, "PASSED", items[0].Verdict)
	assert.Equal(t, domain.VerdictFail, items[1].Verdict)
}

func TestEventCursors(t *testing.T) {
	ctx := context.Background()
	r := dbtest.Open(t)
	w := events.Writer{Dialect: r.Dialect}
	for _, typ := range []string{events.DirectiveCreated, events.DirectiveApproved, events.HandoffProposed} {
		require.NoError(t, w.Append(ctx, r.DB, events.Entry{Type: typ, EntityKind: "directive", EntityID: "d1", DirectiveID: "d1"}))
	}
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)

	after, err := r.EventsAfter(ctx, 10, latest-2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, events.DirectiveApproved, after[0].Type)
	assert.Equal(t, "system", after[0].ActorID)

	newest, err := r.LatestEvents(ctx, 10, repo.EventFilters{Type: events.HandoffProposed})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, latest, newest[0].ID)
}

func TestAPIKeyLookupByHash(t *testing.T) {
	ctx := context.Background()
	r := dbtest.Open(t)
	require.NoError(t, r.InsertAPIKey(ctx, r.DB, domain.APIKey{
		ID:          "k1",
		ActorID:     "ci-bot",
		KeyHash:     repo.HashAPIKey("secret-key"),
		Permissions: []string{"verdict.write"},
		CreatedAt:   dbtest.Now,
	}))
	k, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret-key "))
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", k.ActorID)
	assert.Equal(t, []string{"verdict.write"}, k.Permissions)

	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other"))
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestLockDirective(t *testing.T) {
	ctx := context.Background()
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeFeature, domain.PhaseLeadFinal)
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, r.LockDirective(ctx, tx, "d1"))
	assert.True(t, errors.Is(r.LockDirective(ctx, tx, "missing"), repo.ErrNotFound))
}
