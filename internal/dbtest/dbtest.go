// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"testing"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/migrate"
	"govline/internal/repo"
)

const Now = "2024-01-01T00:00:00.000000000Z"

// Open returns a repo over a migrated sqlite database in a temp dir.
func Open(t testing.TB) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Dialect: dialect}
}

// Directive inserts an active directive in phase with sensible defaults.
func Directive(t testing.TB, r repo.Repo, id, typ, phase string) domain.Directive {
	t.Helper()
	status := domain.StatusActive
	switch phase {
	case domain.PhaseDraft:
		status = domain.StatusDraft
	case domain.PhaseCompleted:
		status = domain.StatusCompleted
	case domain.PhaseArchived:
		status = domain.StatusArchived
	}
	d := domain.Directive{
		ID:        id,
		Title:     "directive " + id,
		Status:    status,
		Phase:     phase,
		Type:      typ,
		CreatedBy: "tester",
		CreatedAt: Now,
		UpdatedAt: Now,
	}
	if err := r.InsertDirective(context.Background(), r.DB, d); err != nil {
		t.Fatalf("insert directive: %v", err)
	}
	return d
}
