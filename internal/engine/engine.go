package engine

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"govline/internal/cascade"
	"govline/internal/completion"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/gates"
	"govline/internal/ledger"
	"govline/internal/policy"
	"govline/internal/progress"
	"govline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Policy   policy.Policy
	Ledger   ledger.Ledger
	Progress progress.Calculator
	Cascade  cascade.Validator
	// Gates overrides the built-in gate set when non-nil.
	Gates  []gates.Gate
	Logger *zap.Logger
	Now    func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	var validator cascade.Validator = cascade.ParentLinkValidator{Repo: r}
	if cfg.Cascade.URL != "" {
		hv := cascade.HTTPValidator{
			URL:        cfg.Cascade.URL,
			MaxElapsed: time.Duration(cfg.Cascade.MaxElapsedMs) * time.Millisecond,
			Logger:     logger.Named("cascade"),
		}
		if cfg.Cascade.TimeoutMs > 0 {
			hv.Client = &http.Client{Timeout: time.Duration(cfg.Cascade.TimeoutMs) * time.Millisecond}
		}
		validator = hv
	}
	return Engine{
		DB:       conn,
		Repo:     r,
		Events:   events.Writer{Dialect: dialect},
		Config:   cfg,
		Policy:   policy.New(cfg),
		Ledger:   ledger.Ledger{Repo: r, Logger: logger.Named("ledger")},
		Progress: progress.Calculator{Repo: r},
		Cascade:  validator,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.Timestamp(e.now())
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) guard() completion.Guard {
	return completion.Guard{
		Repo:     e.Repo,
		Progress: e.Progress,
		Events:   e.events(),
		Logger:   e.logger().Named("completion"),
	}
}

func (e Engine) pipeline() gates.Pipeline {
	gs := e.Gates
	if gs == nil {
		gs = gates.Standard(e.Policy, e.Ledger, e.Cascade, e.Repo)
	}
	return gates.Pipeline{
		Gates:   gs,
		Timeout: e.Policy.GateTimeout(),
		Logger:  e.logger().Named("gates"),
	}
}

func (e Engine) appendEvent(ctx context.Context, q db.Querier, entry events.Entry) error {
	return e.events().Append(ctx, q, entry)
}

func (e Engine) GetDirective(ctx context.Context, id string) (domain.Directive, error) {
	return e.Repo.GetDirective(ctx, e.DB, id)
}

func (e Engine) ListDirectives(ctx context.Context, f repo.DirectiveFilters) ([]domain.Directive, error) {
	return e.Repo.ListDirectives(ctx, e.DB, f)
}

func (e Engine) GetHandoff(ctx context.Context, id string) (domain.Handoff, error) {
	return e.Repo.GetHandoff(ctx, e.DB, id)
}

func (e Engine) ListHandoffs(ctx context.Context, f repo.HandoffFilters) ([]domain.Handoff, error) {
	return e.Repo.ListHandoffs(ctx, e.DB, f)
}

// ListEvents pages the audit log backwards from cursor.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, f)
}

// openDirective loads a directive that can still change.
func (e Engine) openDirective(ctx context.Context, q db.Querier, id, action string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, q, id)
	if err != nil {
		return d, err
	}
	if domain.IsTerminalPhase(d.Phase) {
		return d, domain.InvalidTransitionError{Entity: "directive", From: d.Phase, To: action}
	}
	return d, nil
}

func wrapNotFound(what, id string, err error) error {
	if err == repo.ErrNotFound {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	return err
}
