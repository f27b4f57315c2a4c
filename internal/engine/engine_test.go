package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/events"
	"govline/internal/migrate"
	"govline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, dialect, config.Default(), nil)
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func fullNarrative() domain.Narrative {
	line := func(s string) string { return s + " covered in detail for review" }
	return domain.Narrative{
		ExecutiveSummary:     line("summary"),
		DeliverablesManifest: line("deliverables"),
		KeyDecisions:         line("decisions"),
		KnownIssues:          line("issues"),
		ResourceUtilization:  line("resources"),
		ActionItems:          line("actions"),
		CompletenessReport:   line("completeness"),
	}
}

func (env testEnv) approved(t *testing.T, typ string) domain.Directive {
	t.Helper()
	d, err := env.Engine.CreateDirective(env.Ctx, engine.DirectiveCreateOptions{Title: "Ship " + typ, Type: typ, ActorID: "author"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d, err = env.Engine.ApproveDirective(env.Ctx, d.ID, "lead")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return d
}

func (env testEnv) verdicts(t *testing.T, directiveID string, agents ...string) {
	t.Helper()
	for _, a := range agents {
		if _, err := env.Engine.RecordVerdict(env.Ctx, engine.VerdictOptions{
			DirectiveID: directiveID, AgentCode: a, Verdict: "pass", Confidence: 90, ActorID: "agent",
		}); err != nil {
			t.Fatalf("verdict %s: %v", a, err)
		}
	}
}

func (env testEnv) advance(t *testing.T, directiveID, to string) domain.Handoff {
	t.Helper()
	h, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: directiveID, ToPhase: to, Narrative: fullNarrative(), ActorID: "agent"})
	if err != nil {
		t.Fatalf("propose %s: %v", to, err)
	}
	if !h.ValidationPassed {
		t.Fatalf("handoff to %s did not pass: score=%d gates=%+v", to, h.ValidationScore, h.GateResults)
	}
	h, err = env.Engine.AcceptHandoff(env.Ctx, h.ID, "lead")
	if err != nil {
		t.Fatalf("accept %s: %v", to, err)
	}
	return h
}

func (env testEnv) countEvents(t *testing.T, typ, directiveID string) int {
	t.Helper()
	evs, err := env.Engine.ListEvents(env.Ctx, 100, 0, repo.EventFilters{Type: typ, DirectiveID: directiveID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return len(evs)
}

func TestDirectiveLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeFeature)
	if d.Phase != domain.PhaseLead || d.Status != domain.StatusActive || d.Progress != 0 {
		t.Fatalf("unexpected approved directive: %+v", d)
	}
	env.verdicts(t, d.ID, "TESTING", "DESIGN", "STORIES")

	steps := []struct {
		to       string
		progress int
	}{
		{domain.PhasePlan, 20},
		{domain.PhaseExec, 40},
		{domain.PhasePlanVerification, 70},
		{domain.PhaseLeadFinal, 85},
	}
	for _, s := range steps {
		env.advance(t, d.ID, s.to)
		got, err := env.Engine.GetDirective(env.Ctx, d.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Phase != s.to || got.Progress != s.progress {
			t.Fatalf("after %s: phase=%s progress=%d, want %d", s.to, got.Phase, got.Progress, s.progress)
		}
	}

	_, err := env.Engine.CompleteDirective(env.Ctx, d.ID, "lead")
	var blocked domain.CompletionBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected completion blocked, got %v", err)
	}
	if blocked.CurrentProgress != 85 || len(blocked.IncompletePhases) != 1 || blocked.IncompletePhases[0].PhaseName != "LEAD_final_approval" {
		t.Fatalf("unexpected blocked detail: %+v", blocked)
	}

	if _, err := env.Engine.SetPhaseProgress(env.Ctx, d.ID, "LEAD_final_approval", 100, "lead"); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	if _, err := env.Engine.MarkPhaseComplete(env.Ctx, d.ID, "LEAD_final_approval", "lead"); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	done, err := env.Engine.CompleteDirective(env.Ctx, d.ID, "lead")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.Phase != domain.PhaseCompleted || done.Progress != 100 {
		t.Fatalf("unexpected completed directive: %+v", done)
	}
	again, err := env.Engine.CompleteDirective(env.Ctx, d.ID, "lead")
	if err != nil || *again.CompletedAt != *done.CompletedAt {
		t.Fatalf("second completion should be a no-op: %v", err)
	}
	if n := env.countEvents(t, events.DirectiveCompleted, d.ID); n != 1 {
		t.Fatalf("expected one completion event, got %d", n)
	}

	_, err = env.Engine.SetPhaseProgress(env.Ctx, d.ID, "EXEC_implementation", 10, "lead")
	var invalid domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected progress writes on a completed directive to fail, got %v", err)
	}
	b, err := env.Engine.GetProgress(env.Ctx, d.ID)
	if err != nil || b.TotalProgress != 100 {
		t.Fatalf("progress after completion: %d %v", b.TotalProgress, err)
	}
}

func TestAcceptHandoffIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeInfrastructure)
	first := env.advance(t, d.ID, domain.PhasePlan)
	second, err := env.Engine.AcceptHandoff(env.Ctx, first.ID, "someone-else")
	if err != nil {
		t.Fatalf("re-accept: %v", err)
	}
	if *second.AcceptedAt != *first.AcceptedAt || *second.AcceptedBy != "lead" {
		t.Fatalf("re-accept changed the record: %+v", second)
	}
	got, _ := env.Engine.GetDirective(env.Ctx, d.ID)
	if got.Phase != domain.PhasePlan {
		t.Fatalf("phase advanced more than once: %s", got.Phase)
	}
	if n := env.countEvents(t, events.HandoffAccepted, d.ID); n != 1 {
		t.Fatalf("expected one accept event, got %d", n)
	}
}

func TestConcurrentAcceptAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeInfrastructure)
	h, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: fullNarrative()})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	results := make([]domain.Handoff, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = env.Engine.AcceptHandoff(env.Ctx, h.ID, "lead")
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if results[0].AcceptedAt == nil || *results[0].AcceptedAt != *results[1].AcceptedAt {
		t.Fatalf("callers saw different accepted_at: %v %v", results[0].AcceptedAt, results[1].AcceptedAt)
	}
	if n := env.countEvents(t, events.HandoffAccepted, d.ID); n != 1 {
		t.Fatalf("expected exactly one transition, got %d", n)
	}
}

func TestBelowThresholdHandoffStaysPending(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeInfrastructure)
	n := fullNarrative()
	n.ActionItems = "tbd"
	n.KnownIssues = "none"
	n.CompletenessReport = "ok"
	h, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: n})
	if err != nil {
		t.Fatal(err)
	}
	if h.ValidationPassed {
		t.Fatalf("thin narrative should not pass: %+v", h)
	}
	_, err = env.Engine.AcceptHandoff(env.Ctx, h.ID, "lead")
	var na domain.HandoffNotAcceptableError
	if !errors.As(err, &na) {
		t.Fatalf("expected not acceptable, got %v", err)
	}
	if len(na.UnmetGates) != 1 || na.UnmetGates[0] != "narrative_quality" || na.Threshold != 85 {
		t.Fatalf("unexpected refusal detail: %+v", na)
	}
	stored, _ := env.Engine.GetHandoff(env.Ctx, h.ID)
	if stored.Status != domain.HandoffPending || stored.AcceptedAt != nil {
		t.Fatalf("refused handoff changed: %+v", stored)
	}
	got, _ := env.Engine.GetDirective(env.Ctx, d.ID)
	if got.Phase != domain.PhaseLead {
		t.Fatalf("phase moved: %s", got.Phase)
	}
}

func TestFeatureNeedsSubAgentVerdicts(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeFeature)
	env.verdicts(t, d.ID, "TESTING")
	h, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: fullNarrative()})
	if err != nil {
		t.Fatal(err)
	}
	if h.ValidationPassed {
		t.Fatalf("missing verdicts should fail orchestration")
	}
	var orch *domain.GateResult
	for i := range h.GateResults {
		if h.GateResults[i].Name == "sub_agent_orchestration" {
			orch = &h.GateResults[i]
		}
	}
	if orch == nil || orch.Passed || orch.Score != 33 || len(orch.Issues) != 2 {
		t.Fatalf("unexpected orchestration result: %+v", orch)
	}
}

func TestProposeValidation(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.CreateDirective(env.Ctx, engine.DirectiveCreateOptions{Title: "draft", Type: domain.TypeBugfix})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: draft.ID, ToPhase: domain.PhaseLead, Narrative: fullNarrative()})
	var invalid domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("DRAFT cannot leave through a handoff, got %v", err)
	}

	d := env.approved(t, domain.TypeInfrastructure)
	_, err = env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhaseExec, Narrative: fullNarrative()})
	if !errors.As(err, &invalid) {
		t.Fatalf("skipping a phase must fail, got %v", err)
	}

	blank := fullNarrative()
	blank.KeyDecisions = "  "
	_, err = env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: blank})
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Fields["key_decisions"] == "" {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := env.countEvents(t, events.HandoffProposed, d.ID); n != 0 {
		t.Fatalf("rejected proposals must not be stored, got %d events", n)
	}

	_, err = env.Engine.ApproveDirective(env.Ctx, d.ID, "lead")
	if !errors.As(err, &invalid) {
		t.Fatalf("approving twice must fail, got %v", err)
	}
}

func TestStaleHandoffConflicts(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeInfrastructure)
	a, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: fullNarrative()})
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: fullNarrative()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptHandoff(env.Ctx, a.ID, "lead"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AcceptHandoff(env.Ctx, b.ID, "lead")
	var cm domain.ConcurrentModificationError
	if !errors.As(err, &cm) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	rejected, err := env.Engine.RejectHandoff(env.Ctx, b.ID, "superseded", "lead")
	if err != nil || rejected.Status != domain.HandoffRejected || rejected.RejectionReason != "superseded" {
		t.Fatalf("reject: %+v %v", rejected, err)
	}
	_, err = env.Engine.AcceptHandoff(env.Ctx, b.ID, "lead")
	var na domain.HandoffNotAcceptableError
	if !errors.As(err, &na) || na.Status != domain.HandoffRejected {
		t.Fatalf("rejected handoff must not be accepted, got %v", err)
	}
}

func TestAcceptPendingBatch(t *testing.T) {
	env := newTestEnv(t)
	var good []string
	for i := 0; i < 2; i++ {
		d := env.approved(t, domain.TypeInfrastructure)
		h, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: fullNarrative()})
		if err != nil {
			t.Fatal(err)
		}
		good = append(good, h.ID)
	}
	weak := env.approved(t, domain.TypeInfrastructure)
	thin := fullNarrative()
	thin.ActionItems, thin.KnownIssues, thin.CompletenessReport = "x", "y", "z"
	if _, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: weak.ID, ToPhase: domain.PhasePlan, Narrative: thin}); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.AcceptPending(env.Ctx, "", "batch")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 2 || len(res.Skipped) != 1 || len(res.Failed) != 0 {
		t.Fatalf("unexpected batch result: %+v", res)
	}
	if strings.Join(res.Accepted, ",") != strings.Join(good, ",") {
		t.Fatalf("accepted %v, want %v", res.Accepted, good)
	}
}

func TestBlockingGateRefusalAboveThreshold(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeFeature)
	env.verdicts(t, d.ID, "TESTING", "DESIGN")
	h, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: fullNarrative()})
	if err != nil {
		t.Fatal(err)
	}
	if h.ValidationPassed || h.ValidationScore < 85 {
		t.Fatalf("want a failed blocking gate with a passing score: %+v", h)
	}
	_, err = env.Engine.AcceptHandoff(env.Ctx, h.ID, "lead")
	var na domain.HandoffNotAcceptableError
	if !errors.As(err, &na) {
		t.Fatalf("expected not acceptable, got %v", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "below acceptance threshold") || !strings.Contains(msg, "blocking gates failed: sub_agent_orchestration") {
		t.Fatalf("message does not match cause: %s", msg)
	}
	if len(na.Remediation) != 1 || na.Remediation[0].Gate != "sub_agent_orchestration" ||
		strings.Join(na.Remediation[0].SubAgents, ",") != "STORIES" {
		t.Fatalf("unexpected remediation: %+v", na.Remediation)
	}
}

func TestPendingHandoffsOrderBySubSecondCreation(t *testing.T) {
	env := newTestEnv(t)
	first := env.approved(t, domain.TypeInfrastructure)
	second := env.approved(t, domain.TypeInfrastructure)

	var at time.Time
	env.Engine.Now = func() time.Time { return at }
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	propose := func(directiveID string, offset time.Duration) domain.Handoff {
		at = base.Add(offset)
		h, err := env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: directiveID, ToPhase: domain.PhasePlan, Narrative: fullNarrative()})
		if err != nil {
			t.Fatal(err)
		}
		return h
	}
	h1 := propose(first.ID, 100*time.Millisecond)
	h2 := propose(second.ID, 120*time.Millisecond)
	if h1.CreatedAt != "2024-02-01T00:00:00.100000000Z" {
		t.Fatalf("created_at not fixed width: %s", h1.CreatedAt)
	}

	listed, err := env.Engine.ListHandoffs(env.Ctx, repo.HandoffFilters{Status: domain.HandoffPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed[0].ID != h1.ID || listed[1].ID != h2.ID {
		t.Fatalf("want %s before %s, got %+v", h1.ID, h2.ID, listed)
	}

	at = base.Add(time.Second)
	res, err := env.Engine.AcceptPending(env.Ctx, "", "batch")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(res.Accepted, ",") != h1.ID+","+h2.ID {
		t.Fatalf("accepted %v, want oldest first", res.Accepted)
	}
}

func TestArchiveDirective(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeDocumentation)
	archived, err := env.Engine.ArchiveDirective(env.Ctx, d.ID, "descoped", "lead")
	if err != nil || archived.Phase != domain.PhaseArchived || archived.Status != domain.StatusArchived {
		t.Fatalf("archive: %+v %v", archived, err)
	}
	if _, err := env.Engine.ArchiveDirective(env.Ctx, d.ID, "again", "lead"); err != nil {
		t.Fatalf("archiving twice should be a no-op: %v", err)
	}
	_, err = env.Engine.ProposeHandoff(env.Ctx, engine.ProposeOptions{DirectiveID: d.ID, ToPhase: domain.PhasePlan, Narrative: fullNarrative()})
	var invalid domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("archived directive must be terminal, got %v", err)
	}
	_, err = env.Engine.ArchiveDirective(env.Ctx, "missing", "", "lead")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLegacyEvidenceMovesProgress(t *testing.T) {
	env := newTestEnv(t)
	d := env.approved(t, domain.TypeFeature)
	// drop the seeded rows to simulate a directive created before contributions existed
	if _, err := env.Engine.DB.Exec(`DELETE FROM phase_contributions WHERE directive_id=?`, d.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordPRD(env.Ctx, d.ID, "PRD", "draft", "planner"); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.AddChecklistItem(env.Ctx, d.ID, domain.PhaseExec, "write code", "dev")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetChecklistItem(env.Ctx, item.ID, true, "dev"); err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.GetProgress(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	// approval 20 + draft prd 10 + exec 30
	if b.Source != "legacy" || b.TotalProgress != 60 {
		t.Fatalf("unexpected legacy breakdown: %+v", b)
	}
	got, _ := env.Engine.GetDirective(env.Ctx, d.ID)
	if got.Progress != 60 {
		t.Fatalf("cached progress not refreshed: %d", got.Progress)
	}
	if _, err := env.Engine.AddChecklistItem(env.Ctx, d.ID, domain.PhaseLead, "nope", "dev"); err == nil {
		t.Fatalf("checklist items only belong to EXEC or PLAN_VERIFICATION")
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "ops", "ci", []string{"directive.approve"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(secret, "gov_") || key.KeyHash != repo.HashAPIKey(secret) {
		t.Fatalf("unexpected key: %+v", key)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	if err != nil || stored.ActorID != "ops" || len(stored.Permissions) != 1 {
		t.Fatalf("stored key: %+v %v", stored, err)
	}
}
