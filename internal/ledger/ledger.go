// Package ledger reads and appends sub-agent verdicts. It is the only place
// legacy verdict spellings are translated.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/repo"
)

type Ledger struct {
	Repo   repo.Repo
	Logger *zap.Logger
}

func (l Ledger) logger() *zap.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return zap.NewNop()
}

// Verdicts returns the directive's verdicts with canonical values. Rows whose
// value cannot be mapped are dropped with a warning.
func (l Ledger) Verdicts(ctx context.Context, directiveID string) ([]domain.Verdict, error) {
	return l.VerdictsIn(ctx, l.Repo.DB, directiveID)
}

// VerdictsIn is Verdicts read through q, for callers holding a transaction.
func (l Ledger) VerdictsIn(ctx context.Context, q db.Querier, directiveID string) ([]domain.Verdict, error) {
	raw, err := l.Repo.ListVerdicts(ctx, q, directiveID)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	out := make([]domain.Verdict, 0, len(raw))
	for _, v := range raw {
		canonical, ok := domain.NormalizeVerdict(v.Verdict)
		if !ok {
			l.logger().Warn("skipping verdict with unknown value",
				zap.String("directive_id", directiveID),
				zap.String("verdict_id", v.ID),
				zap.String("verdict", v.Verdict))
			continue
		}
		v.Verdict = canonical
		v.AgentCode = domain.NormalizeAgentCode(v.AgentCode)
		out = append(out, v)
	}
	return out, nil
}

// Append validates and stores a verdict. The value is stored canonical.
func (l Ledger) Append(ctx context.Context, q db.Querier, v domain.Verdict) (domain.Verdict, error) {
	fields := map[string]string{}
	canonical, ok := domain.NormalizeVerdict(v.Verdict)
	if !ok {
		fields["verdict"] = "must be one of pass, fail, conditional_pass, needs_measurement"
	}
	v.AgentCode = domain.NormalizeAgentCode(v.AgentCode)
	if v.AgentCode == "" {
		fields["agent_code"] = "required"
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		fields["confidence"] = "must be between 0 and 100"
	}
	if v.DirectiveID == "" {
		fields["directive_id"] = "required"
	}
	if len(fields) > 0 {
		return domain.Verdict{}, domain.ValidationError{Fields: fields}
	}
	v.Verdict = canonical
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if err := l.Repo.InsertVerdict(ctx, q, v); err != nil {
		return domain.Verdict{}, fmt.Errorf("insert verdict: %w", err)
	}
	return v, nil
}
