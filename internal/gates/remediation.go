package gates

import (
	"govline/internal/domain"
	"govline/internal/policy"
)

type remedy struct {
	agents []string
	hint   string
}

var remedies = map[string]remedy{
	"narrative_quality": {
		agents: []string{"DOCMON"},
		hint:   "expand every narrative section past the substantive minimum and re-propose",
	},
	"sub_agent_orchestration": {
		hint: "record passing verdicts from the missing required agents",
	},
	"cascade_alignment": {
		agents: []string{"GITHUB"},
		hint:   "align the directive with its parent before handing off",
	},
	"child_completion": {
		hint: "complete or archive the open child directives",
	},
}

// Remediate maps each unmet gate to the sub-agents that can clear it. For
// sub-agent orchestration the agents are the required ones with no
// satisfying verdict.
func Remediate(unmet []string, d domain.Directive, p policy.Policy, verdicts []domain.Verdict) []domain.GateRemediation {
	out := make([]domain.GateRemediation, 0, len(unmet))
	for _, name := range unmet {
		r, ok := remedies[name]
		if !ok {
			r = remedy{hint: "inspect the gate issues and re-propose"}
		}
		agents := r.agents
		if name == "sub_agent_orchestration" {
			agents = missingAgents(d, p, verdicts)
		}
		if agents == nil {
			agents = []string{}
		}
		out = append(out, domain.GateRemediation{Gate: name, SubAgents: agents, Hint: r.hint})
	}
	return out
}

func missingAgents(d domain.Directive, p policy.Policy, verdicts []domain.Verdict) []string {
	floor := p.ConfidenceFloor()
	satisfied := map[string]bool{}
	for _, v := range verdicts {
		if v.Satisfies(floor) {
			satisfied[v.AgentCode] = true
		}
	}
	var out []string
	for _, agent := range p.RequiredAgents(d.Type) {
		if !satisfied[agent] {
			out = append(out, agent)
		}
	}
	return out
}
