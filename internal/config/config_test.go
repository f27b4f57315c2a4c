package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 85, cfg.AcceptanceThreshold)
	assert.Equal(t, 70, cfg.SubAgentConfidenceFloor)
	assert.Equal(t, 10*time.Second, cfg.GateTimeout())

	sum := 0
	for _, p := range cfg.Phases {
		sum += p.Weight
	}
	assert.Equal(t, 100, sum)
	assert.Equal(t, []string{"TESTING", "DESIGN", "STORIES"}, cfg.DirectiveTypes["feature"].RequiredAgents)
	assert.False(t, cfg.DirectiveTypes["infrastructure"].RequiresGatedSubagents)
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("acceptance_threshold: 90\n"))
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.AcceptanceThreshold)
	assert.Len(t, cfg.Phases, 5)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "weights must sum to 100",
			yaml: "phases:\n  - {name: a, weight: 50}\n  - {name: b, weight: 40}\n",
			want: "sum to 90",
		},
		{
			name: "duplicate phase",
			yaml: "phases:\n  - {name: a, weight: 50}\n  - {name: a, weight: 50}\n",
			want: "duplicate phase",
		},
		{
			name: "completed_by must be a handoff source",
			yaml: "phases:\n  - {name: a, weight: 100, completed_by: LEAD_FINAL}\n",
			want: "not a handoff source",
		},
		{
			name: "type override weights",
			yaml: "directive_types:\n  bugfix:\n    phases:\n      - {name: fix, weight: 10}\n",
			want: "directive_types.bugfix.phases",
		},
		{
			name: "unknown type",
			yaml: "directive_types:\n  epic: {}\n",
			want: "unknown type epic",
		},
		{
			name: "threshold range",
			yaml: "acceptance_threshold: 120\n",
			want: "acceptance_threshold",
		},
		{
			name: "postgres needs dsn",
			yaml: "database:\n  driver: postgres\n",
			want: "dsn is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 85, cfg.AcceptanceThreshold)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "govline.yml"), []byte("gate_timeout_ms: 250\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.GateTimeout())

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Apply(Overrides{AcceptanceThreshold: 75, LogLevel: "debug"}))
	assert.Equal(t, 75, cfg.AcceptanceThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)

	assert.Error(t, cfg.Apply(Overrides{DatabaseDriver: "mysql"}))
}
