package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govline/internal/config"
	"govline/internal/domain"
)

func TestDefaults(t *testing.T) {
	p := New(nil)
	tests := []struct {
		typ    string
		agents []string
		gated  bool
	}{
		{domain.TypeFeature, []string{"TESTING", "DESIGN", "STORIES"}, true},
		{domain.TypeInfrastructure, []string{"GITHUB", "DOCMON"}, false},
		{domain.TypeDatabase, []string{"DATABASE", "SECURITY"}, true},
		{domain.TypeDocumentation, []string{"DOCMON"}, false},
		{domain.TypeBugfix, []string{"RCA", "REGRESSION", "TESTING"}, true},
		{domain.TypeOrchestrator, []string{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.agents, p.RequiredAgents(tt.typ))
			assert.Equal(t, tt.gated, p.RequiresGatedSubagents(tt.typ))
			assert.Equal(t, 85, p.AcceptanceThreshold(tt.typ))

			sum := 0
			for _, w := range p.PhaseWeights(tt.typ) {
				sum += w.Weight
			}
			assert.Equal(t, 100, sum)
		})
	}
	assert.Equal(t, 70, p.ConfidenceFloor())
}

func TestTypeOverrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
directive_types:
  documentation:
    required_agents: [docmon]
    acceptance_threshold: 60
    phases:
      - {name: draft, weight: 50, completed_by: PLAN}
      - {name: review, weight: 50}
`))
	require.NoError(t, err)
	p := New(cfg)

	assert.Equal(t, []string{"DOCMON"}, p.RequiredAgents(domain.TypeDocumentation))
	assert.Equal(t, 60, p.AcceptanceThreshold(domain.TypeDocumentation))
	weights := p.PhaseWeights(domain.TypeDocumentation)
	require.Len(t, weights, 2)
	assert.Equal(t, "draft", weights[0].Name)

	assert.Len(t, p.PhaseWeights(domain.TypeFeature), 5)
	assert.Nil(t, p.RequiredAgents("unknown"))
}
