package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"govline/internal/db"
	"govline/internal/domain"
)

const (
	DirectiveCreated   = "directive.created"
	DirectiveApproved  = "directive.approved"
	DirectiveCompleted = "directive.completed"
	DirectiveArchived  = "directive.archived"
	HandoffProposed    = "handoff.proposed"
	HandoffAccepted    = "handoff.accepted"
	HandoffRejected    = "handoff.rejected"
	PhaseProgressSet   = "phase.progress_set"
	PhaseCompleted     = "phase.completed"
	VerdictRecorded    = "verdict.recorded"
	EvidenceRecorded   = "evidence.recorded"
	APIKeyCreated      = "api_key.created"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

type Entry struct {
	Type        string
	EntityKind  string
	EntityID    string
	DirectiveID string
	ActorID     string
	Payload     EventPayload
}

func (w Writer) Append(ctx context.Context, q db.Querier, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := domain.Timestamp(now())
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = q.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,directive_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, e.Type, e.EntityKind, nullable(e.EntityID), nullable(e.DirectiveID), actor, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
