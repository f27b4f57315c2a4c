// Package cascade checks that a child directive stays aligned with its parent.
package cascade

import (
	"context"
	"fmt"

	"govline/internal/domain"
	"govline/internal/repo"
)

const (
	SeverityBlocking = "blocking"
	SeverityWarning  = "warning"
)

type Violation struct {
	Severity string `json:"severity" enum:"blocking,warning"`
	Reason   string `json:"reason"`
}

type Result struct {
	Aligned    bool        `json:"aligned"`
	Score      int         `json:"score"`
	Violations []Violation `json:"violations"`
	Warnings   []string    `json:"warnings"`
}

// Validator judges parent/child alignment for a proposed handoff.
type Validator interface {
	Check(ctx context.Context, d domain.Directive, handoffType string) (Result, error)
}

// ParentLinkValidator checks the parent link against the local store.
type ParentLinkValidator struct {
	Repo repo.Repo
}

func (v ParentLinkValidator) Check(ctx context.Context, d domain.Directive, handoffType string) (Result, error) {
	if d.ParentID == nil {
		return Result{Aligned: true, Score: 100}, nil
	}
	var violations []Violation
	parent, err := v.Repo.GetDirective(ctx, v.Repo.DB, *d.ParentID)
	switch {
	case err == repo.ErrNotFound:
		violations = append(violations, Violation{SeverityBlocking, fmt.Sprintf("parent %s not found", *d.ParentID)})
	case err != nil:
		return Result{}, err
	default:
		violations = append(violations, parentViolations(d, parent, handoffType)...)
	}
	return Score(violations, nil), nil
}

func parentViolations(child, parent domain.Directive, handoffType string) []Violation {
	var out []Violation
	switch parent.Status {
	case domain.StatusArchived:
		out = append(out, Violation{SeverityBlocking, fmt.Sprintf("parent %s is archived", parent.ID)})
	case domain.StatusCompleted:
		out = append(out, Violation{SeverityWarning, fmt.Sprintf("parent %s already completed while child proposes %s", parent.ID, handoffType)})
	case domain.StatusDraft:
		out = append(out, Violation{SeverityWarning, fmt.Sprintf("parent %s has not been approved", parent.ID)})
	}
	if parent.Status == domain.StatusActive && domain.PhaseIndex(child.Phase) > domain.PhaseIndex(parent.Phase) && parent.Type != domain.TypeOrchestrator {
		out = append(out, Violation{SeverityWarning, fmt.Sprintf("child phase %s is ahead of parent phase %s", child.Phase, parent.Phase)})
	}
	return out
}

// Score builds a result from violations: 30 points per blocking, 10 per warning.
func Score(violations []Violation, warnings []string) Result {
	score := 100
	aligned := true
	for _, v := range violations {
		if v.Severity == SeverityBlocking {
			score -= 30
			aligned = false
		} else {
			score -= 10
		}
	}
	return Result{
		Aligned:    aligned,
		Score:      domain.ClampPercent(score),
		Violations: violations,
		Warnings:   warnings,
	}
}
