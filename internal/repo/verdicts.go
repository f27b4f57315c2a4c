package repo

import (
	"context"
	"database/sql"

	"govline/internal/db"
	"govline/internal/domain"
)

// InsertVerdict appends a ledger row. Rows are never updated.
func (r Repo) InsertVerdict(ctx context.Context, q db.Querier, v domain.Verdict) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO sub_agent_verdicts(id,directive_id,agent_code,verdict,confidence,summary,created_at) VALUES (?,?,?,?,?,?,?)`),
		v.ID, v.DirectiveID, v.AgentCode, v.Verdict, v.Confidence, nullable(v.Summary), v.CreatedAt)
	return err
}

// ListVerdicts returns raw ledger rows oldest first. Verdict values are not normalized here.
func (r Repo) ListVerdicts(ctx context.Context, q db.Querier, directiveID string) ([]domain.Verdict, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,directive_id,agent_code,verdict,confidence,summary,created_at
FROM sub_agent_verdicts WHERE directive_id=? ORDER BY created_at ASC, id ASC`), directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Verdict
	for rows.Next() {
		var v domain.Verdict
		var summary sql.NullString
		if err := rows.Scan(&v.ID, &v.DirectiveID, &v.AgentCode, &v.Verdict, &v.Confidence, &summary, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Summary = summary.String
		res = append(res, v)
	}
	return res, rows.Err()
}
