package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/gates"
	"govline/internal/metrics"
	"govline/internal/repo"
)

// ProposeOptions are parameters for proposing a handoff.
type ProposeOptions struct {
	DirectiveID string
	ToPhase     string
	Narrative   domain.Narrative
	Metadata    map[string]any
	ActorID     string
}

// ProposeHandoff runs the gate pipeline and stores the outcome on a pending
// handoff. Nothing about the directive changes until the handoff is accepted.
func (e Engine) ProposeHandoff(ctx context.Context, opts ProposeOptions) (domain.Handoff, error) {
	if err := opts.Narrative.Validate(); err != nil {
		return domain.Handoff{}, err
	}
	if strings.TrimSpace(opts.ToPhase) == "" {
		return domain.Handoff{}, domain.ValidationError{Fields: map[string]string{"to_phase": "required"}}
	}
	d, err := e.openDirective(ctx, e.DB, opts.DirectiveID, opts.ToPhase)
	if err != nil {
		return domain.Handoff{}, wrapNotFound("directive", opts.DirectiveID, err)
	}
	next, _ := domain.NextPhase(d.Phase)
	handoffType := domain.HandoffType(d.Phase, opts.ToPhase)
	if handoffType == "" || next != opts.ToPhase {
		return domain.Handoff{}, domain.InvalidTransitionError{Entity: "directive", From: d.Phase, To: opts.ToPhase}
	}

	res := e.pipeline().Evaluate(ctx, gates.Input{
		Directive:   d,
		FromPhase:   d.Phase,
		ToPhase:     opts.ToPhase,
		HandoffType: handoffType,
		Narrative:   opts.Narrative,
	})
	threshold := e.Policy.AcceptanceThreshold(d.Type)
	h := domain.Handoff{
		ID:               uuid.NewString(),
		DirectiveID:      d.ID,
		FromPhase:        d.Phase,
		ToPhase:          opts.ToPhase,
		HandoffType:      handoffType,
		Status:           domain.HandoffPending,
		ValidationScore:  res.Score,
		ValidationPassed: res.OverallPassed && res.Score >= threshold,
		Narrative:        opts.Narrative,
		GateResults:      res.GateResults,
		Metadata:         opts.Metadata,
		CreatedBy:        opts.ActorID,
		CreatedAt:        e.stamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Handoff{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertHandoff(ctx, tx, h); err != nil {
		return domain.Handoff{}, fmt.Errorf("insert handoff: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.HandoffProposed,
		EntityKind:  "handoff",
		EntityID:    h.ID,
		DirectiveID: d.ID,
		ActorID:     opts.ActorID,
		Payload: events.EventPayload{
			"handoff_type":      handoffType,
			"validation_score":  h.ValidationScore,
			"validation_passed": h.ValidationPassed,
			"warnings":          len(res.Warnings),
		},
	}); err != nil {
		return domain.Handoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Handoff{}, err
	}
	metrics.HandoffTransitions.WithLabelValues(handoffType, "proposed").Inc()
	e.logger().Info("handoff proposed",
		zap.String("handoff_id", h.ID),
		zap.String("directive_id", d.ID),
		zap.String("handoff_type", handoffType),
		zap.Int("score", h.ValidationScore),
		zap.Bool("passed", h.ValidationPassed))
	return h, nil
}

// AcceptHandoff advances the directive along an accepted handoff. Accepting
// an accepted handoff returns it unchanged.
func (e Engine) AcceptHandoff(ctx context.Context, id, actorID string) (domain.Handoff, error) {
	h, _, err := e.acceptHandoff(ctx, id, actorID)
	return h, err
}

// acceptHandoff reports whether this call applied the transition.
func (e Engine) acceptHandoff(ctx context.Context, id, actorID string) (domain.Handoff, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Handoff{}, false, err
	}
	defer tx.Rollback()

	h, err := e.Repo.GetHandoff(ctx, tx, id)
	if err != nil {
		return domain.Handoff{}, false, wrapNotFound("handoff", id, err)
	}
	if h.Status == domain.HandoffAccepted {
		return h, false, nil
	}
	if h.Status != domain.HandoffPending {
		return h, false, domain.HandoffNotAcceptableError{HandoffID: h.ID, Status: h.Status}
	}
	d, err := e.Repo.GetDirective(ctx, tx, h.DirectiveID)
	if err != nil {
		return h, false, err
	}
	threshold := e.Policy.AcceptanceThreshold(d.Type)
	if !h.ValidationPassed || h.ValidationScore < threshold {
		metrics.HandoffTransitions.WithLabelValues(h.HandoffType, "refused").Inc()
		unmet := h.UnmetGates(threshold)
		verdicts, err := e.Ledger.VerdictsIn(ctx, tx, d.ID)
		if err != nil {
			return h, false, err
		}
		return h, false, domain.HandoffNotAcceptableError{
			HandoffID:      h.ID,
			Status:         h.Status,
			Score:          h.ValidationScore,
			Threshold:      threshold,
			UnmetGates:     unmet,
			BlockingFailed: h.FailedBlockingGates(),
			Remediation:    gates.Remediate(unmet, d, e.Policy, verdicts),
		}
	}
	if d.Phase != h.FromPhase {
		return h, false, domain.ConcurrentModificationError{Entity: "directive", ID: d.ID, Expected: "in phase " + h.FromPhase}
	}

	now := e.stamp()
	n, err := e.Repo.AcceptHandoff(ctx, tx, h.ID, actorID, now)
	if err != nil {
		return h, false, fmt.Errorf("accept handoff: %w", err)
	}
	if n == 0 {
		current, err := e.Repo.GetHandoff(ctx, tx, h.ID)
		if err != nil {
			return h, false, err
		}
		if current.Status == domain.HandoffAccepted {
			return current, false, nil
		}
		return current, false, domain.ConcurrentModificationError{Entity: "handoff", ID: h.ID, Expected: domain.HandoffPending}
	}
	n, err = e.Repo.AdvancePhase(ctx, tx, d.ID, h.FromPhase, h.ToPhase, now)
	if err != nil {
		return h, false, fmt.Errorf("advance phase: %w", err)
	}
	if n == 0 {
		return h, false, domain.ConcurrentModificationError{Entity: "directive", ID: d.ID, Expected: "in phase " + h.FromPhase}
	}
	completed, err := e.Progress.CompletePhasesFor(ctx, tx, d.ID, h.FromPhase, now)
	if err != nil {
		return h, false, fmt.Errorf("complete phases: %w", err)
	}
	b, err := e.Progress.Refresh(ctx, tx, d.ID, now)
	if err != nil {
		return h, false, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.HandoffAccepted,
		EntityKind:  "handoff",
		EntityID:    h.ID,
		DirectiveID: d.ID,
		ActorID:     actorID,
		Payload: events.EventPayload{
			"from":             h.FromPhase,
			"to":               h.ToPhase,
			"completed_phases": completed,
			"progress":         b.TotalProgress,
		},
	}); err != nil {
		return h, false, err
	}
	accepted, err := e.Repo.GetHandoff(ctx, tx, h.ID)
	if err != nil {
		return h, false, err
	}
	if err := tx.Commit(); err != nil {
		return h, false, err
	}

	metrics.HandoffTransitions.WithLabelValues(h.HandoffType, "accepted").Inc()
	e.logger().Info("handoff accepted",
		zap.String("handoff_id", h.ID),
		zap.String("directive_id", d.ID),
		zap.String("phase", h.ToPhase),
		zap.Int("progress", b.TotalProgress))
	if h.ToPhase == domain.PhaseLeadFinal && b.TotalProgress == 100 {
		e.logger().Info("completion eligible", zap.String("directive_id", d.ID))
	}
	return accepted, true, nil
}

// RejectHandoff closes a pending handoff. Rejecting it again is a no-op.
func (e Engine) RejectHandoff(ctx context.Context, id, reason, actorID string) (domain.Handoff, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Handoff{}, domain.ValidationError{Fields: map[string]string{"reason": "required"}}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Handoff{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.RejectHandoff(ctx, tx, id, reason, e.stamp())
	if err != nil {
		return domain.Handoff{}, fmt.Errorf("reject handoff: %w", err)
	}
	h, err := e.Repo.GetHandoff(ctx, tx, id)
	if err != nil {
		return domain.Handoff{}, wrapNotFound("handoff", id, err)
	}
	if n == 0 {
		if h.Status == domain.HandoffRejected {
			return h, nil
		}
		return h, domain.InvalidTransitionError{Entity: "handoff", From: h.Status, To: domain.HandoffRejected}
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.HandoffRejected,
		EntityKind:  "handoff",
		EntityID:    h.ID,
		DirectiveID: h.DirectiveID,
		ActorID:     actorID,
		Payload:     events.EventPayload{"reason": reason},
	}); err != nil {
		return domain.Handoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Handoff{}, err
	}
	metrics.HandoffTransitions.WithLabelValues(h.HandoffType, "rejected").Inc()
	return h, nil
}

type BatchItem struct {
	HandoffID string `json:"handoff_id"`
	Reason    string `json:"reason"`
}

// BatchResult summarises AcceptPending. Skipped handoffs were left as they
// are on purpose; failed ones hit an error.
type BatchResult struct {
	Accepted []string    `json:"accepted"`
	Skipped  []BatchItem `json:"skipped"`
	Failed   []BatchItem `json:"failed"`
}

// AcceptPending tries every pending handoff independently, oldest first.
func (e Engine) AcceptPending(ctx context.Context, directiveID, actorID string) (BatchResult, error) {
	pending, err := e.Repo.ListHandoffs(ctx, e.DB, repo.HandoffFilters{DirectiveID: directiveID, Status: domain.HandoffPending})
	if err != nil {
		return BatchResult{}, err
	}
	res := BatchResult{Accepted: []string{}, Skipped: []BatchItem{}, Failed: []BatchItem{}}
	for _, h := range pending {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, BatchItem{HandoffID: h.ID, Reason: err.Error()})
			continue
		}
		_, applied, err := e.acceptHandoff(ctx, h.ID, actorID)
		var notAcceptable domain.HandoffNotAcceptableError
		switch {
		case errors.As(err, &notAcceptable):
			res.Skipped = append(res.Skipped, BatchItem{HandoffID: h.ID, Reason: err.Error()})
		case err != nil:
			res.Failed = append(res.Failed, BatchItem{HandoffID: h.ID, Reason: err.Error()})
		case !applied:
			res.Skipped = append(res.Skipped, BatchItem{HandoffID: h.ID, Reason: "already accepted"})
		default:
			res.Accepted = append(res.Accepted, h.ID)
		}
	}
	e.logger().Info("batch accept finished",
		zap.String("directive_id", directiveID),
		zap.Int("accepted", len(res.Accepted)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}
