package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/engine/auth"
	"govline/internal/events"
	"govline/internal/repo"
)

// RecordPRD creates or updates the requirements document of a directive.
func (e Engine) RecordPRD(ctx context.Context, directiveID, title, status, actorID string) (domain.PRD, error) {
	fields := map[string]string{}
	if strings.TrimSpace(title) == "" {
		fields["title"] = "required"
	}
	if status == "" {
		status = "draft"
	}
	if status != "draft" && status != "approved" {
		fields["status"] = "must be draft or approved"
	}
	if len(fields) > 0 {
		return domain.PRD{}, domain.ValidationError{Fields: fields}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PRD{}, err
	}
	defer tx.Rollback()
	if _, err := e.openDirective(ctx, tx, directiveID, "evidence update"); err != nil {
		return domain.PRD{}, wrapNotFound("directive", directiveID, err)
	}
	now := e.stamp()
	p := domain.PRD{DirectiveID: directiveID, Title: title, Status: status, CreatedAt: now, UpdatedAt: now}
	if err := e.Repo.UpsertPRD(ctx, tx, p); err != nil {
		return domain.PRD{}, fmt.Errorf("upsert prd: %w", err)
	}
	if err := e.evidenceRecorded(ctx, tx, directiveID, "prd", directiveID, actorID, now, events.EventPayload{"status": status}); err != nil {
		return domain.PRD{}, err
	}
	p, err = e.Repo.GetPRD(ctx, tx, directiveID)
	if err != nil {
		return domain.PRD{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PRD{}, err
	}
	return p, nil
}

// AddChecklistItem adds an EXEC or verification checklist entry.
func (e Engine) AddChecklistItem(ctx context.Context, directiveID, phase, label, actorID string) (domain.ChecklistItem, error) {
	if err := phaseLabel(phase); err != nil {
		return domain.ChecklistItem{}, err
	}
	if strings.TrimSpace(label) == "" {
		return domain.ChecklistItem{}, domain.ValidationError{Fields: map[string]string{"label": "required"}}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()
	if _, err := e.openDirective(ctx, tx, directiveID, "evidence update"); err != nil {
		return domain.ChecklistItem{}, wrapNotFound("directive", directiveID, err)
	}
	now := e.stamp()
	item := domain.ChecklistItem{ID: uuid.NewString(), DirectiveID: directiveID, Phase: phase, Label: label, UpdatedAt: now}
	if err := e.Repo.InsertChecklistItem(ctx, tx, item); err != nil {
		return domain.ChecklistItem{}, fmt.Errorf("insert checklist item: %w", err)
	}
	if err := e.evidenceRecorded(ctx, tx, directiveID, "checklist_item", item.ID, actorID, now, events.EventPayload{"phase": phase, "done": false}); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, err
	}
	return item, nil
}

// SetChecklistItem ticks or unticks a checklist entry.
func (e Engine) SetChecklistItem(ctx context.Context, itemID string, done bool, actorID string) (domain.ChecklistItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()
	item, err := e.Repo.GetChecklistItem(ctx, tx, itemID)
	if err != nil {
		return domain.ChecklistItem{}, wrapNotFound("checklist item", itemID, err)
	}
	if _, err := e.openDirective(ctx, tx, item.DirectiveID, "evidence update"); err != nil {
		return domain.ChecklistItem{}, err
	}
	now := e.stamp()
	if err := e.Repo.SetChecklistItemDone(ctx, tx, itemID, done, now); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := e.evidenceRecorded(ctx, tx, item.DirectiveID, "checklist_item", itemID, actorID, now, events.EventPayload{"phase": item.Phase, "done": done}); err != nil {
		return domain.ChecklistItem{}, err
	}
	item, err = e.Repo.GetChecklistItem(ctx, tx, itemID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, err
	}
	return item, nil
}

func (e Engine) ListChecklist(ctx context.Context, directiveID string) ([]domain.ChecklistItem, error) {
	return e.Repo.ListChecklistItems(ctx, e.DB, directiveID)
}

// evidenceRecorded logs the change and refreshes the cached progress, which
// only moves for directives still on the legacy heuristic.
func (e Engine) evidenceRecorded(ctx context.Context, q db.Querier, directiveID, kind, entityID, actorID, now string, payload events.EventPayload) error {
	if _, err := e.Progress.Refresh(ctx, q, directiveID, now); err != nil {
		return err
	}
	return e.appendEvent(ctx, q, events.Entry{
		Type:        events.EvidenceRecorded,
		EntityKind:  kind,
		EntityID:    entityID,
		DirectiveID: directiveID,
		ActorID:     actorID,
		Payload:     payload,
	})
}

// CreateAPIKey issues a key for actorID. The plaintext is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, permissions []string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", domain.ValidationError{Fields: map[string]string{"actor_id": "required"}}
	}
	for _, p := range permissions {
		if !auth.Known(p) {
			return domain.APIKey{}, "", domain.ValidationError{Fields: map[string]string{"permissions": "unknown permission " + p}}
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "gov_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(secret),
		Permissions: permissions,
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.APIKeyCreated,
		EntityKind: "api_key",
		EntityID:   key.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"name": name, "permissions": permissions},
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
