package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"govline/internal/db"
	"govline/internal/domain"
)

const handoffColumns = `id,directive_id,from_phase,to_phase,handoff_type,status,validation_score,validation_passed,
executive_summary,deliverables_manifest,key_decisions,known_issues,resource_utilization,action_items,completeness_report,
gate_results_json,metadata_json,rejection_reason,created_by,created_at,accepted_by,accepted_at,rejected_at`

func scanHandoff(row rowScanner) (domain.Handoff, error) {
	var h domain.Handoff
	var passed int
	var gatesJSON, metaJSON string
	var reason, acceptedBy, acceptedAt, rejectedAt sql.NullString
	n := &h.Narrative
	err := row.Scan(&h.ID, &h.DirectiveID, &h.FromPhase, &h.ToPhase, &h.HandoffType, &h.Status, &h.ValidationScore, &passed,
		&n.ExecutiveSummary, &n.DeliverablesManifest, &n.KeyDecisions, &n.KnownIssues, &n.ResourceUtilization, &n.ActionItems, &n.CompletenessReport,
		&gatesJSON, &metaJSON, &reason, &h.CreatedBy, &h.CreatedAt, &acceptedBy, &acceptedAt, &rejectedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.ValidationPassed = passed == 1
	h.RejectionReason = reason.String
	h.AcceptedBy = nullStringPtr(acceptedBy)
	h.AcceptedAt = nullStringPtr(acceptedAt)
	h.RejectedAt = nullStringPtr(rejectedAt)
	if gatesJSON != "" {
		if err := json.Unmarshal([]byte(gatesJSON), &h.GateResults); err != nil {
			return h, err
		}
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &h.Metadata); err != nil {
			return h, err
		}
	}
	return h, nil
}

func (r Repo) InsertHandoff(ctx context.Context, q db.Querier, h domain.Handoff) error {
	gates := h.GateResults
	if gates == nil {
		gates = []domain.GateResult{}
	}
	gatesJSON, err := json.Marshal(gates)
	if err != nil {
		return err
	}
	meta := h.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	n := h.Narrative
	_, err = q.ExecContext(ctx, r.q(`INSERT INTO handoffs(`+handoffColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		h.ID, h.DirectiveID, h.FromPhase, h.ToPhase, h.HandoffType, h.Status, h.ValidationScore, boolInt(h.ValidationPassed),
		n.ExecutiveSummary, n.DeliverablesManifest, n.KeyDecisions, n.KnownIssues, n.ResourceUtilization, n.ActionItems, n.CompletenessReport,
		string(gatesJSON), string(metaJSON), nullable(h.RejectionReason), h.CreatedBy, h.CreatedAt,
		nullableStringPtr(h.AcceptedBy), nullableStringPtr(h.AcceptedAt), nullableStringPtr(h.RejectedAt))
	return err
}

func (r Repo) GetHandoff(ctx context.Context, q db.Querier, id string) (domain.Handoff, error) {
	return scanHandoff(q.QueryRowContext(ctx, r.q(`SELECT `+handoffColumns+` FROM handoffs WHERE id=?`), id))
}

type HandoffFilters struct {
	DirectiveID string
	Status      string
	ToPhase     string
	Limit       int
}

// ListHandoffs returns handoffs oldest first.
func (r Repo) ListHandoffs(ctx context.Context, q db.Querier, f HandoffFilters) ([]domain.Handoff, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.DirectiveID != "" {
		clauses = append(clauses, "directive_id=?")
		args = append(args, f.DirectiveID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ToPhase != "" {
		clauses = append(clauses, "to_phase=?")
		args = append(args, f.ToPhase)
	}
	query := `SELECT ` + handoffColumns + ` FROM handoffs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LatestAcceptedHandoffInto returns the most recently accepted handoff whose
// target is phase.
func (r Repo) LatestAcceptedHandoffInto(ctx context.Context, q db.Querier, directiveID, phase string) (domain.Handoff, error) {
	return scanHandoff(q.QueryRowContext(ctx, r.q(`SELECT `+handoffColumns+` FROM handoffs
WHERE directive_id=? AND to_phase=? AND status=? ORDER BY accepted_at DESC, created_at DESC LIMIT 1`),
		directiveID, phase, domain.HandoffAccepted))
}

// AcceptHandoff sets status=accepted only while the handoff is still pending.
// accepted_at is therefore written exactly once. Returns rows affected.
func (r Repo) AcceptHandoff(ctx context.Context, q db.Querier, id, actorID, now string) (int64, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE handoffs SET status=?, accepted_by=?, accepted_at=? WHERE id=? AND status=?`),
		domain.HandoffAccepted, actorID, now, id, domain.HandoffPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RejectHandoff sets status=rejected only while the handoff is still pending.
func (r Repo) RejectHandoff(ctx context.Context, q db.Querier, id, reason, now string) (int64, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE handoffs SET status=?, rejection_reason=?, rejected_at=? WHERE id=? AND status=?`),
		domain.HandoffRejected, nullable(reason), now, id, domain.HandoffPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
