// Package policy resolves per-directive-type governance settings from the
// loaded configuration.
package policy

import (
	"time"

	"govline/internal/config"
	"govline/internal/domain"
)

type Policy struct {
	cfg *config.Config
}

func New(cfg *config.Config) Policy {
	if cfg == nil {
		cfg = config.Default()
	}
	return Policy{cfg: cfg}
}

func (p Policy) typePolicy(directiveType string) (config.DirectiveTypePolicy, bool) {
	tp, ok := p.cfg.DirectiveTypes[directiveType]
	return tp, ok
}

// RequiredAgents returns the sub-agent codes that must approve a directive of this type.
func (p Policy) RequiredAgents(directiveType string) []string {
	tp, ok := p.typePolicy(directiveType)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(tp.RequiredAgents))
	for _, a := range tp.RequiredAgents {
		out = append(out, domain.NormalizeAgentCode(a))
	}
	return out
}

// PhaseWeights returns the type override or the default split.
func (p Policy) PhaseWeights(directiveType string) []config.PhaseWeight {
	if tp, ok := p.typePolicy(directiveType); ok && len(tp.Phases) > 0 {
		return append([]config.PhaseWeight(nil), tp.Phases...)
	}
	return append([]config.PhaseWeight(nil), p.cfg.Phases...)
}

func (p Policy) RequiresGatedSubagents(directiveType string) bool {
	tp, ok := p.typePolicy(directiveType)
	return ok && tp.RequiresGatedSubagents
}

func (p Policy) AcceptanceThreshold(directiveType string) int {
	if tp, ok := p.typePolicy(directiveType); ok && tp.AcceptanceThreshold != nil {
		return *tp.AcceptanceThreshold
	}
	return p.cfg.AcceptanceThreshold
}

func (p Policy) ConfidenceFloor() int {
	return p.cfg.SubAgentConfidenceFloor
}

func (p Policy) GateTimeout() time.Duration {
	return p.cfg.GateTimeout()
}
