package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"govline/internal/db"
	"govline/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

const directiveColumns = `id,title,description,status,phase,type,parent_id,requires_gated_subagents,progress,created_by,approved_by,approved_at,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDirective(row rowScanner) (domain.Directive, error) {
	var d domain.Directive
	var description, parentID, approvedBy, approvedAt, completedAt sql.NullString
	var gated int
	err := row.Scan(&d.ID, &d.Title, &description, &d.Status, &d.Phase, &d.Type, &parentID, &gated, &d.Progress,
		&d.CreatedBy, &approvedBy, &approvedAt, &d.CreatedAt, &d.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Description = description.String
	d.RequiresGatedSubagents = gated == 1
	d.ParentID = nullStringPtr(parentID)
	d.ApprovedBy = nullStringPtr(approvedBy)
	d.ApprovedAt = nullStringPtr(approvedAt)
	d.CompletedAt = nullStringPtr(completedAt)
	return d, nil
}

func (r Repo) InsertDirective(ctx context.Context, q db.Querier, d domain.Directive) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO directives(`+directiveColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.Title, nullable(d.Description), d.Status, d.Phase, d.Type, nullableStringPtr(d.ParentID), boolInt(d.RequiresGatedSubagents),
		d.Progress, d.CreatedBy, nullableStringPtr(d.ApprovedBy), nullableStringPtr(d.ApprovedAt), d.CreatedAt, d.UpdatedAt, nullableStringPtr(d.CompletedAt))
	return err
}

func (r Repo) GetDirective(ctx context.Context, q db.Querier, id string) (domain.Directive, error) {
	return scanDirective(q.QueryRowContext(ctx, r.q(`SELECT `+directiveColumns+` FROM directives WHERE id=?`), id))
}

// LockDirective holds the directive row until q's transaction ends. Postgres
// takes a row lock; SQLite transactions are already immediate and exclusive
// to the single connection, so the select only checks existence.
func (r Repo) LockDirective(ctx context.Context, q db.Querier, id string) error {
	query := `SELECT id FROM directives WHERE id=?`
	if r.Dialect == db.Postgres {
		query += ` FOR UPDATE`
	}
	var got string
	err := q.QueryRowContext(ctx, r.q(query), id).Scan(&got)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

type DirectiveFilters struct {
	Status   string
	Phase    string
	Type     string
	ParentID string
	Limit    int
}

func (r Repo) ListDirectives(ctx context.Context, q db.Querier, f DirectiveFilters) ([]domain.Directive, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + directiveColumns + ` FROM directives WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListChildren returns directives whose parent is parentID.
func (r Repo) ListChildren(ctx context.Context, q db.Querier, parentID string) ([]domain.Directive, error) {
	return r.ListDirectives(ctx, q, DirectiveFilters{ParentID: parentID})
}

// ApproveDirective moves a draft into LEAD. Returns rows affected.
func (r Repo) ApproveDirective(ctx context.Context, q db.Querier, id, actorID, now string) (int64, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE directives SET phase=?, status=?, approved_by=?, approved_at=?, updated_at=?
WHERE id=? AND phase=? AND status=?`),
		domain.PhaseLead, domain.StatusActive, actorID, now, now, id, domain.PhaseDraft, domain.StatusDraft)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AdvancePhase moves an active directive from one phase to the next. Returns rows affected.
func (r Repo) AdvancePhase(ctx context.Context, q db.Querier, id, from, to, now string) (int64, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE directives SET phase=?, updated_at=? WHERE id=? AND phase=? AND status=?`),
		to, now, id, from, domain.StatusActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetDirectiveProgress caches the computed aggregate on the directive row.
func (r Repo) SetDirectiveProgress(ctx context.Context, q db.Querier, id string, progress int, now string) error {
	_, err := q.ExecContext(ctx, r.q(`UPDATE directives SET progress=?, updated_at=? WHERE id=? AND status<>?`),
		progress, now, id, domain.StatusCompleted)
	return err
}

// CompleteDirectiveIfEligible is the single conditional update behind completion.
// Every precondition lives in the WHERE clause so the check and the write cannot
// interleave with another caller. legacyProgress is consulted only when the
// directive has no phase contributions.
func (r Repo) CompleteDirectiveIfEligible(ctx context.Context, q db.Querier, id string, legacyProgress int, now string) (int64, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE directives SET status=?, phase=?, progress=100, completed_at=?, updated_at=?
WHERE id=? AND status=? AND phase=?
AND (
  (EXISTS (SELECT 1 FROM phase_contributions pc WHERE pc.directive_id=directives.id)
    AND (SELECT COALESCE(SUM(pc.weight*pc.computed_progress),0) FROM phase_contributions pc WHERE pc.directive_id=directives.id) >= 9950)
  OR
  (NOT EXISTS (SELECT 1 FROM phase_contributions pc WHERE pc.directive_id=directives.id) AND ? = 100)
)
AND COALESCE((SELECT h.validation_passed FROM handoffs h
  WHERE h.directive_id=directives.id AND h.to_phase=? AND h.status=?
  ORDER BY h.accepted_at DESC, h.created_at DESC LIMIT 1), 0) = 1`),
		domain.StatusCompleted, domain.PhaseCompleted, now, now,
		id, domain.StatusActive, domain.PhaseLeadFinal,
		legacyProgress,
		domain.PhaseLeadFinal, domain.HandoffAccepted)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ArchiveDirective moves any non-terminal directive to ARCHIVED. Returns rows affected.
func (r Repo) ArchiveDirective(ctx context.Context, q db.Querier, id, now string) (int64, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE directives SET status=?, phase=?, updated_at=? WHERE id=? AND phase NOT IN (?,?)`),
		domain.StatusArchived, domain.PhaseArchived, now, id, domain.PhaseCompleted, domain.PhaseArchived)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOne(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
