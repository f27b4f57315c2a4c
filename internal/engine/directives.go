package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/repo"
)

// DirectiveCreateOptions are parameters for creating a directive.
type DirectiveCreateOptions struct {
	ID          string
	Title       string
	Description string
	Type        string
	ParentID    string
	// RequiresGatedSubagents overrides the type default when set.
	RequiresGatedSubagents *bool
	ActorID                string
}

// CreateDirective stores a new directive in DRAFT.
func (e Engine) CreateDirective(ctx context.Context, opts DirectiveCreateOptions) (domain.Directive, error) {
	fields := map[string]string{}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		fields["title"] = "required"
	}
	if opts.Type == "" {
		opts.Type = domain.TypeFeature
	}
	if !domain.IsDirectiveType(opts.Type) {
		fields["type"] = "must be one of " + strings.Join(domain.DirectiveTypes, ", ")
	}
	if opts.ParentID != "" {
		if _, err := e.Repo.GetDirective(ctx, e.DB, opts.ParentID); err == repo.ErrNotFound {
			fields["parent_id"] = "directive " + opts.ParentID + " not found"
		} else if err != nil {
			return domain.Directive{}, err
		}
	}
	if len(fields) > 0 {
		return domain.Directive{}, domain.ValidationError{Fields: fields}
	}
	gated := e.Policy.RequiresGatedSubagents(opts.Type)
	if opts.RequiresGatedSubagents != nil {
		gated = *opts.RequiresGatedSubagents
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	d := domain.Directive{
		ID:                     id,
		Title:                  opts.Title,
		Description:            opts.Description,
		Status:                 domain.StatusDraft,
		Phase:                  domain.PhaseDraft,
		Type:                   opts.Type,
		RequiresGatedSubagents: gated,
		CreatedBy:              opts.ActorID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if opts.ParentID != "" {
		parent := opts.ParentID
		d.ParentID = &parent
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDirective(ctx, tx, d); err != nil {
		return domain.Directive{}, fmt.Errorf("insert directive: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.DirectiveCreated,
		EntityKind:  "directive",
		EntityID:    d.ID,
		DirectiveID: d.ID,
		ActorID:     opts.ActorID,
		Payload:     events.EventPayload{"title": d.Title, "type": d.Type, "parent_id": opts.ParentID},
	}); err != nil {
		return domain.Directive{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}
	return d, nil
}

// ApproveDirective is the one human action that moves DRAFT to LEAD. It
// seeds the phase contributions for the directive type.
func (e Engine) ApproveDirective(ctx context.Context, id, actorID string) (domain.Directive, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Directive{}, domain.ValidationError{Fields: map[string]string{"actor_id": "approval requires an actor"}}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	n, err := e.Repo.ApproveDirective(ctx, tx, id, actorID, now)
	if err != nil {
		return domain.Directive{}, fmt.Errorf("approve directive: %w", err)
	}
	d, err := e.Repo.GetDirective(ctx, tx, id)
	if err != nil {
		return domain.Directive{}, wrapNotFound("directive", id, err)
	}
	if n == 0 {
		return d, domain.InvalidTransitionError{Entity: "directive", From: d.Phase, To: domain.PhaseLead}
	}
	if err := e.Progress.Seed(ctx, tx, id, e.Policy.PhaseWeights(d.Type), now); err != nil {
		return domain.Directive{}, err
	}
	b, err := e.Progress.Refresh(ctx, tx, id, now)
	if err != nil {
		return domain.Directive{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.DirectiveApproved,
		EntityKind:  "directive",
		EntityID:    id,
		DirectiveID: id,
		ActorID:     actorID,
		Payload:     events.EventPayload{"from": domain.PhaseDraft, "to": domain.PhaseLead, "phases": len(b.Phases)},
	}); err != nil {
		return domain.Directive{}, err
	}
	d, err = e.Repo.GetDirective(ctx, tx, id)
	if err != nil {
		return domain.Directive{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}
	e.logger().Info("directive approved", zap.String("directive_id", id), zap.String("actor_id", actorID))
	return d, nil
}

// CompleteDirective asks the completion guard to close the directive. A
// blocked attempt changes nothing.
func (e Engine) CompleteDirective(ctx context.Context, id, actorID string) (domain.Directive, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()
	d, err := e.guard().AssertCanComplete(ctx, tx, id, actorID, e.stamp())
	if err != nil {
		return d, wrapNotFound("directive", id, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}
	return d, nil
}

// ArchiveDirective closes an open directive without completing it.
// Archiving an archived directive is a no-op.
func (e Engine) ArchiveDirective(ctx context.Context, id, reason, actorID string) (domain.Directive, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.ArchiveDirective(ctx, tx, id, e.stamp())
	if err != nil {
		return domain.Directive{}, fmt.Errorf("archive directive: %w", err)
	}
	d, err := e.Repo.GetDirective(ctx, tx, id)
	if err != nil {
		return domain.Directive{}, wrapNotFound("directive", id, err)
	}
	if n == 0 {
		if d.Phase == domain.PhaseArchived {
			return d, nil
		}
		return d, domain.InvalidTransitionError{Entity: "directive", From: d.Phase, To: domain.PhaseArchived}
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:        events.DirectiveArchived,
		EntityKind:  "directive",
		EntityID:    id,
		DirectiveID: id,
		ActorID:     actorID,
		Payload:     events.EventPayload{"reason": reason},
	}); err != nil {
		return domain.Directive{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}
	return d, nil
}
