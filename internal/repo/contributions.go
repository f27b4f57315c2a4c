package repo

import (
	"context"
	"database/sql"

	"govline/internal/db"
	"govline/internal/domain"
)

const contributionColumns = `directive_id,phase_name,weight,computed_progress,is_complete,completed_by,ordinal,updated_at`

func scanContribution(row rowScanner) (domain.PhaseContribution, error) {
	var c domain.PhaseContribution
	var complete int
	var completedBy sql.NullString
	err := row.Scan(&c.DirectiveID, &c.PhaseName, &c.Weight, &c.ComputedProgress, &complete, &completedBy, &c.Ordinal, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.IsComplete = complete == 1
	c.CompletedBy = completedBy.String
	return c, nil
}

func (r Repo) InsertContribution(ctx context.Context, q db.Querier, c domain.PhaseContribution) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO phase_contributions(`+contributionColumns+`) VALUES (?,?,?,?,?,?,?,?)`),
		c.DirectiveID, c.PhaseName, c.Weight, c.ComputedProgress, boolInt(c.IsComplete), nullable(c.CompletedBy), c.Ordinal, c.UpdatedAt)
	return err
}

func (r Repo) GetContribution(ctx context.Context, q db.Querier, directiveID, phase string) (domain.PhaseContribution, error) {
	return scanContribution(q.QueryRowContext(ctx, r.q(`SELECT `+contributionColumns+` FROM phase_contributions WHERE directive_id=? AND phase_name=?`),
		directiveID, phase))
}

// ListContributions returns rows in configured order.
func (r Repo) ListContributions(ctx context.Context, q db.Querier, directiveID string) ([]domain.PhaseContribution, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+contributionColumns+` FROM phase_contributions WHERE directive_id=? ORDER BY ordinal ASC, phase_name ASC`), directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseContribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetContributionProgress writes a new progress value. Any value below 100
// clears is_complete in the same statement. Closed directives are left alone.
func (r Repo) SetContributionProgress(ctx context.Context, q db.Querier, directiveID, phase string, progress int, now string) (int64, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE phase_contributions
SET computed_progress=?, is_complete=CASE WHEN ?=100 THEN is_complete ELSE 0 END, updated_at=?
WHERE directive_id=? AND phase_name=?
AND EXISTS (SELECT 1 FROM directives d WHERE d.id=phase_contributions.directive_id AND d.status NOT IN (?,?))`),
		progress, progress, now, directiveID, phase, domain.StatusCompleted, domain.StatusArchived)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkContributionComplete sets is_complete only where computed_progress is already 100.
func (r Repo) MarkContributionComplete(ctx context.Context, q db.Querier, directiveID, phase, now string) (int64, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE phase_contributions SET is_complete=1, updated_at=?
WHERE directive_id=? AND phase_name=? AND computed_progress=100`),
		now, directiveID, phase)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CompleteContributionsBy finishes every contribution tied to the phase a
// handoff leaves. Progress and completion are written together.
func (r Repo) CompleteContributionsBy(ctx context.Context, q db.Querier, directiveID, fromPhase, now string) ([]string, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT phase_name FROM phase_contributions WHERE directive_id=? AND completed_by=? AND is_complete=0 ORDER BY ordinal`),
		directiveID, fromPhase)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	_, err = q.ExecContext(ctx, r.q(`UPDATE phase_contributions SET computed_progress=100, is_complete=1, updated_at=?
WHERE directive_id=? AND completed_by=? AND is_complete=0`), now, directiveID, fromPhase)
	if err != nil {
		return nil, err
	}
	return names, nil
}
