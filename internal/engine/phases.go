package engine

import (
	"context"
	"fmt"

	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/progress"
)

// GetProgress returns the directive's progress breakdown.
func (e Engine) GetProgress(ctx context.Context, directiveID string) (progress.Breakdown, error) {
	if _, err := e.Repo.GetDirective(ctx, e.DB, directiveID); err != nil {
		return progress.Breakdown{}, wrapNotFound("directive", directiveID, err)
	}
	return e.Progress.Breakdown(ctx, e.DB, directiveID)
}

// SetPhaseProgress records progress for one phase of an open directive.
func (e Engine) SetPhaseProgress(ctx context.Context, directiveID, phase string, value int, actorID string) (domain.PhaseContribution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseContribution{}, err
	}
	defer tx.Rollback()
	if _, err := e.openDirective(ctx, tx, directiveID, "progress update"); err != nil {
		return domain.PhaseContribution{}, wrapNotFound("directive", directiveID, err)
	}
	now := e.stamp()
	pc, err := e.Progress.SetPhaseProgress(ctx, tx, directiveID, phase, value, now)
	if err != nil {
		return pc, wrapNotFound("phase", phase, err)
	}
	b, err := e.Progress.Refresh(ctx, tx, directiveID, now)
	if err != nil {
		return domain.PhaseContribution{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.PhaseProgressSet,
		EntityKind:  "phase",
		EntityID:    phase,
		DirectiveID: directiveID,
		ActorID:     actorID,
		Payload:     events.EventPayload{"progress": pc.ComputedProgress, "total_progress": b.TotalProgress},
	}); err != nil {
		return domain.PhaseContribution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseContribution{}, err
	}
	return pc, nil
}

// MarkPhaseComplete flags a phase that already reached 100.
func (e Engine) MarkPhaseComplete(ctx context.Context, directiveID, phase, actorID string) (domain.PhaseContribution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseContribution{}, err
	}
	defer tx.Rollback()
	if _, err := e.openDirective(ctx, tx, directiveID, "phase completion"); err != nil {
		return domain.PhaseContribution{}, wrapNotFound("directive", directiveID, err)
	}
	pc, err := e.Progress.MarkPhaseComplete(ctx, tx, directiveID, phase, e.stamp())
	if err != nil {
		return pc, wrapNotFound("phase", phase, err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.PhaseCompleted,
		EntityKind:  "phase",
		EntityID:    phase,
		DirectiveID: directiveID,
		ActorID:     actorID,
	}); err != nil {
		return domain.PhaseContribution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseContribution{}, err
	}
	return pc, nil
}

// VerdictOptions are parameters for recording a sub-agent verdict.
type VerdictOptions struct {
	DirectiveID string
	AgentCode   string
	Verdict     string
	Confidence  int
	Summary     string
	ActorID     string
}

// RecordVerdict appends a verdict to the ledger.
func (e Engine) RecordVerdict(ctx context.Context, opts VerdictOptions) (domain.Verdict, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Verdict{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetDirective(ctx, tx, opts.DirectiveID); err != nil {
		return domain.Verdict{}, wrapNotFound("directive", opts.DirectiveID, err)
	}
	v, err := e.Ledger.Append(ctx, tx, domain.Verdict{
		DirectiveID: opts.DirectiveID,
		AgentCode:   opts.AgentCode,
		Verdict:     opts.Verdict,
		Confidence:  opts.Confidence,
		Summary:     opts.Summary,
		CreatedAt:   e.stamp(),
	})
	if err != nil {
		return domain.Verdict{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.VerdictRecorded,
		EntityKind:  "verdict",
		EntityID:    v.ID,
		DirectiveID: v.DirectiveID,
		ActorID:     opts.ActorID,
		Payload:     events.EventPayload{"agent_code": v.AgentCode, "verdict": v.Verdict, "confidence": v.Confidence},
	}); err != nil {
		return domain.Verdict{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Verdict{}, err
	}
	return v, nil
}

func (e Engine) ListVerdicts(ctx context.Context, directiveID string) ([]domain.Verdict, error) {
	if _, err := e.Repo.GetDirective(ctx, e.DB, directiveID); err != nil {
		return nil, wrapNotFound("directive", directiveID, err)
	}
	return e.Ledger.Verdicts(ctx, directiveID)
}

func phaseLabel(phase string) error {
	if phase != domain.PhaseExec && phase != domain.PhasePlanVerification {
		return domain.ValidationError{Fields: map[string]string{"phase": fmt.Sprintf("must be %s or %s", domain.PhaseExec, domain.PhasePlanVerification)}}
	}
	return nil
}
