package server

import (
	"encoding/json"

	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/progress"
)

// Request payloads

type CreateDirectiveRequest struct {
	ID                     *string `json:"id,omitempty"`
	Title                  string  `json:"title"`
	Description            *string `json:"description,omitempty"`
	Type                   string  `json:"type,omitempty" enum:"feature,infrastructure,database,documentation,bugfix,orchestrator"`
	ParentID               *string `json:"parent_id,omitempty"`
	RequiresGatedSubagents *bool   `json:"requires_gated_subagents,omitempty"`
}

type ArchiveDirectiveRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ProposeHandoffRequest struct {
	ToPhase   string           `json:"to_phase" enum:"PLAN,EXEC,PLAN_VERIFICATION,LEAD_FINAL"`
	Narrative domain.Narrative `json:"narrative"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

type RejectHandoffRequest struct {
	Reason string `json:"reason"`
}

type AcceptPendingRequest struct {
	DirectiveID string `json:"directive_id,omitempty"`
}

type SetPhaseProgressRequest struct {
	Progress int `json:"progress"`
}

type RecordVerdictRequest struct {
	AgentCode  string  `json:"agent_code"`
	Verdict    string  `json:"verdict" example:"PASS"`
	Confidence int     `json:"confidence"`
	Summary    *string `json:"summary,omitempty"`
}

type RecordPRDRequest struct {
	Title  string `json:"title"`
	Status string `json:"status,omitempty" enum:"draft,approved"`
}

type AddChecklistItemRequest struct {
	Phase string `json:"phase" enum:"EXEC,PLAN_VERIFICATION"`
	Label string `json:"label"`
}

type UpdateChecklistItemRequest struct {
	Done bool `json:"done"`
}

type CreateAPIKeyRequest struct {
	ActorID     *string  `json:"actor_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TTLSeconds  int      `json:"ttl_seconds,omitempty"`
}

// Response payloads

type HandoffResponse struct {
	domain.Handoff
	Threshold  int      `json:"threshold"`
	UnmetGates []string `json:"unmet_gates"`
}

type ProgressResponse = progress.Breakdown

type BatchResponse = engine.BatchResult

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	DirectiveID string         `json:"directive_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	Key         string   `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedDirectives struct {
	Items []domain.Directive `json:"items"`
}

type paginatedHandoffs struct {
	Items []HandoffResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type verdictList struct {
	Items []domain.Verdict `json:"items"`
}

type checklistList struct {
	Items []domain.ChecklistItem `json:"items"`
}

func handoffResponse(h domain.Handoff, threshold int) HandoffResponse {
	if h.GateResults == nil {
		h.GateResults = []domain.GateResult{}
	}
	return HandoffResponse{Handoff: h, Threshold: threshold, UnmetGates: nonNilSlice(h.UnmetGates(threshold))}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		DirectiveID: evt.DirectiveID,
		ActorID:     evt.ActorID,
		Payload:     payload,
	}
}

func apiKeyResponse(k domain.APIKey, secret string) APIKeyResponse {
	return APIKeyResponse{
		ID:          k.ID,
		ActorID:     k.ActorID,
		Name:        k.Name,
		Permissions: nonNilSlice(k.Permissions),
		CreatedAt:   k.CreatedAt,
		Key:         secret,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
