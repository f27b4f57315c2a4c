package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"govline/internal/dbtest"
	"govline/internal/domain"
)

func TestVerdictsNormalizeLegacyRows(t *testing.T) {
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeFeature, domain.PhaseLead)
	ctx := context.Background()

	// rows written by older tooling, bypassing Append
	raw := []struct{ id, agent, verdict string }{
		{"v1", "testing", "APPROVED"},
		{"v2", "DESIGN", "PASS_WITH_CONDITIONS"},
		{"v3", "STORIES", "BLOCKED"},
		{"v4", "STORIES", "whatever"},
	}
	for _, row := range raw {
		require.NoError(t, r.InsertVerdict(ctx, r.DB, domain.Verdict{
			ID: row.id, DirectiveID: "d1", AgentCode: row.agent, Verdict: row.verdict, Confidence: 80, CreatedAt: dbtest.Now,
		}))
	}

	core, logs := observer.New(zapcore.WarnLevel)
	l := Ledger{Repo: r, Logger: zap.New(core)}
	got, err := l.Verdicts(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "TESTING", got[0].AgentCode)
	assert.Equal(t, domain.VerdictPass, got[0].Verdict)
	assert.Equal(t, domain.VerdictConditionalPass, got[1].Verdict)
	assert.Equal(t, domain.VerdictFail, got[2].Verdict)
	assert.Equal(t, 1, logs.FilterMessage("skipping verdict with unknown value").Len())
}

func TestAppendValidates(t *testing.T) {
	r := dbtest.Open(t)
	dbtest.Directive(t, r, "d1", domain.TypeFeature, domain.PhaseLead)
	l := Ledger{Repo: r}
	ctx := context.Background()

	_, err := l.Append(ctx, r.DB, domain.Verdict{DirectiveID: "d1", AgentCode: "", Verdict: "maybe", Confidence: 101})
	var ve domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Fields, "verdict")
	assert.Contains(t, ve.Fields, "agent_code")
	assert.Contains(t, ve.Fields, "confidence")

	v, err := l.Append(ctx, r.DB, domain.Verdict{DirectiveID: "d1", AgentCode: "testing", Verdict: "PASSED", Confidence: 90, CreatedAt: dbtest.Now})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "TESTING", v.AgentCode)
	assert.Equal(t, domain.VerdictPass, v.Verdict)

	stored, err := r.ListVerdicts(ctx, r.DB, "d1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.VerdictPass, stored[0].Verdict)
}
