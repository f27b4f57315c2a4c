// Package completion decides and commits directive completion.
package completion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/metrics"
	"govline/internal/progress"
	"govline/internal/repo"
)

// Facts is the state a completion decision is made on.
type Facts struct {
	Directive    domain.Directive
	Progress     int
	FinalHandoff *domain.Handoff
}

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Evaluate explains whether the facts allow completion. It has no side effects.
func Evaluate(f Facts) GuardResult {
	d := f.Directive
	if d.Status != domain.StatusActive || d.Phase != domain.PhaseLeadFinal {
		return GuardResult{Reason: fmt.Sprintf("directive is %s in phase %s; completion requires an active directive in %s", d.Status, d.Phase, domain.PhaseLeadFinal)}
	}
	if f.Progress != 100 {
		return GuardResult{Reason: fmt.Sprintf("progress is %d%%; completion requires 100%%", f.Progress)}
	}
	if f.FinalHandoff == nil {
		return GuardResult{Reason: "no accepted handoff into " + domain.PhaseLeadFinal}
	}
	if !f.FinalHandoff.ValidationPassed {
		return GuardResult{Reason: fmt.Sprintf("latest %s handoff %s did not pass validation (score %d)", domain.PhaseLeadFinal, f.FinalHandoff.ID, f.FinalHandoff.ValidationScore)}
	}
	return GuardResult{Allowed: true}
}

type Guard struct {
	Repo     repo.Repo
	Progress progress.Calculator
	Events   events.Writer
	Logger   *zap.Logger
}

func (g Guard) logger() *zap.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return zap.NewNop()
}

// AssertCanComplete commits completion through one conditional update. When
// nothing changed it re-reads state: a blocked directive yields
// CompletionBlockedError with the true progress, an already completed one is
// returned as is, anything else is a ConcurrentModificationError.
//
// q must be a transaction. Legacy progress is read before the update, so the
// directive row is locked first and no evidence write can land in between.
func (g Guard) AssertCanComplete(ctx context.Context, q db.Querier, directiveID, actorID, now string) (domain.Directive, error) {
	if err := g.Repo.LockDirective(ctx, q, directiveID); err != nil {
		return domain.Directive{}, err
	}
	before, err := g.Progress.Breakdown(ctx, q, directiveID)
	if err != nil {
		return domain.Directive{}, err
	}
	legacy := 0
	if before.Source == progress.SourceLegacy {
		legacy = before.TotalProgress
	}
	n, err := g.Repo.CompleteDirectiveIfEligible(ctx, q, directiveID, legacy, now)
	if err != nil {
		return domain.Directive{}, fmt.Errorf("complete directive: %w", err)
	}
	if n == 1 {
		if err := g.Events.Append(ctx, q, events.Entry{
			Type:        events.DirectiveCompleted,
			EntityKind:  "directive",
			EntityID:    directiveID,
			DirectiveID: directiveID,
			ActorID:     actorID,
			Payload:     events.EventPayload{"progress": 100},
		}); err != nil {
			return domain.Directive{}, err
		}
		metrics.CompletionAttempts.WithLabelValues("completed").Inc()
		g.logger().Info("directive completed", zap.String("directive_id", directiveID), zap.String("actor_id", actorID))
		return g.Repo.GetDirective(ctx, q, directiveID)
	}

	d, err := g.Repo.GetDirective(ctx, q, directiveID)
	if err != nil {
		return domain.Directive{}, err
	}
	if d.Status == domain.StatusCompleted {
		return d, nil
	}
	after, err := g.Progress.Breakdown(ctx, q, directiveID)
	if err != nil {
		return domain.Directive{}, err
	}
	facts := Facts{Directive: d, Progress: after.TotalProgress}
	final, err := g.Repo.LatestAcceptedHandoffInto(ctx, q, directiveID, domain.PhaseLeadFinal)
	switch {
	case err == nil:
		facts.FinalHandoff = &final
	case err != repo.ErrNotFound:
		return domain.Directive{}, err
	}
	res := Evaluate(facts)
	if !res.Allowed {
		metrics.CompletionAttempts.WithLabelValues("blocked").Inc()
		g.logger().Info("completion blocked",
			zap.String("directive_id", directiveID),
			zap.Int("progress", after.TotalProgress),
			zap.String("reason", res.Reason))
		return d, domain.CompletionBlockedError{
			DirectiveID:      directiveID,
			Reason:           res.Reason,
			CurrentProgress:  after.TotalProgress,
			IncompletePhases: after.Incomplete(),
		}
	}
	metrics.CompletionAttempts.WithLabelValues("conflict").Inc()
	return d, domain.ConcurrentModificationError{Entity: "directive", ID: directiveID, Expected: "eligible for completion"}
}
