package repo

import (
	"context"

	"govline/internal/db"
	"govline/internal/domain"
)

// UpsertPRD records the product requirements document state for a directive.
func (r Repo) UpsertPRD(ctx context.Context, q db.Querier, p domain.PRD) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO prds(directive_id,title,status,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(directive_id) DO UPDATE SET title=excluded.title, status=excluded.status, updated_at=excluded.updated_at`),
		p.DirectiveID, p.Title, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPRD(ctx context.Context, q db.Querier, directiveID string) (domain.PRD, error) {
	var p domain.PRD
	err := q.QueryRowContext(ctx, r.q(`SELECT directive_id,title,status,created_at,updated_at FROM prds WHERE directive_id=?`), directiveID).
		Scan(&p.DirectiveID, &p.Title, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return p, ErrNotFound
		}
		return p, err
	}
	return p, nil
}

func (r Repo) InsertChecklistItem(ctx context.Context, q db.Querier, item domain.ChecklistItem) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO checklist_items(id,directive_id,phase,label,done,updated_at) VALUES (?,?,?,?,?,?)`),
		item.ID, item.DirectiveID, item.Phase, item.Label, boolInt(item.Done), item.UpdatedAt)
	return err
}

func (r Repo) SetChecklistItemDone(ctx context.Context, q db.Querier, id string, done bool, now string) error {
	res, err := q.ExecContext(ctx, r.q(`UPDATE checklist_items SET done=?, updated_at=? WHERE id=?`), boolInt(done), now, id)
	return expectOne(res, err, "checklist item "+id)
}

func (r Repo) GetChecklistItem(ctx context.Context, q db.Querier, id string) (domain.ChecklistItem, error) {
	var item domain.ChecklistItem
	var done int
	err := q.QueryRowContext(ctx, r.q(`SELECT id,directive_id,phase,label,done,updated_at FROM checklist_items WHERE id=?`), id).
		Scan(&item.ID, &item.DirectiveID, &item.Phase, &item.Label, &done, &item.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return item, ErrNotFound
		}
		return item, err
	}
	item.Done = done == 1
	return item, nil
}

func (r Repo) ListChecklistItems(ctx context.Context, q db.Querier, directiveID string) ([]domain.ChecklistItem, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,directive_id,phase,label,done,updated_at FROM checklist_items WHERE directive_id=? ORDER BY phase, id`), directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		var item domain.ChecklistItem
		var done int
		if err := rows.Scan(&item.ID, &item.DirectiveID, &item.Phase, &item.Label, &done, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Done = done == 1
		res = append(res, item)
	}
	return res, rows.Err()
}

// ChecklistCounts returns done and total items for one phase.
func (r Repo) ChecklistCounts(ctx context.Context, q db.Querier, directiveID, phase string) (done, total int, err error) {
	err = q.QueryRowContext(ctx, r.q(`SELECT COALESCE(SUM(done),0), COUNT(*) FROM checklist_items WHERE directive_id=? AND phase=?`), directiveID, phase).
		Scan(&done, &total)
	return done, total, err
}
