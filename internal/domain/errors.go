package domain

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError is returned before any gate runs when input is malformed.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// GateDegradedError describes a gate that errored, panicked or timed out.
// It is surfaced as a warning on the gate result and never returned by a pipeline.
type GateDegradedError struct {
	Gate  string
	Cause error
}

func (e GateDegradedError) Error() string {
	return fmt.Sprintf("gate %s degraded: %v", e.Gate, e.Cause)
}

func (e GateDegradedError) Unwrap() error { return e.Cause }

// CompletionBlockedError carries the true progress and the phases still short of 100.
type CompletionBlockedError struct {
	DirectiveID      string
	Reason           string
	CurrentProgress  int
	IncompletePhases []PhaseContribution
}

func (e CompletionBlockedError) Error() string {
	names := make([]string, 0, len(e.IncompletePhases))
	for _, p := range e.IncompletePhases {
		names = append(names, fmt.Sprintf("%s=%d%%", p.PhaseName, p.ComputedProgress))
	}
	msg := fmt.Sprintf("completion blocked for directive %s: %s (progress %d%%)", e.DirectiveID, e.Reason, e.CurrentProgress)
	if len(names) > 0 {
		msg += "; incomplete phases: " + strings.Join(names, ", ")
	}
	return msg
}

// ConcurrentModificationError means a conditional update matched zero rows.
// Callers must re-read state before deciding what to do.
type ConcurrentModificationError struct {
	Entity   string
	ID       string
	Expected string
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification: %s %s is no longer %s", e.Entity, e.ID, e.Expected)
}

// GateRemediation names the sub-agents that can clear a failed gate.
type GateRemediation struct {
	Gate      string   `json:"gate"`
	SubAgents []string `json:"sub_agents"`
	Hint      string   `json:"hint"`
}

// HandoffNotAcceptableError lists why a handoff cannot be accepted.
type HandoffNotAcceptableError struct {
	HandoffID  string
	Status     string
	Score      int
	Threshold  int
	UnmetGates []string
	// BlockingFailed is the subset of gates whose blocking check failed.
	BlockingFailed []string
	Remediation    []GateRemediation
}

func (e HandoffNotAcceptableError) Error() string {
	if e.Status != "" && e.Status != HandoffPending {
		return fmt.Sprintf("handoff %s is %s and cannot be accepted", e.HandoffID, e.Status)
	}
	var causes []string
	if len(e.BlockingFailed) > 0 {
		causes = append(causes, "blocking gates failed: "+strings.Join(e.BlockingFailed, ", "))
	}
	if e.Score < e.Threshold {
		causes = append(causes, fmt.Sprintf("score %d below acceptance threshold %d", e.Score, e.Threshold))
	}
	if len(causes) == 0 {
		causes = append(causes, "validation did not pass")
	}
	msg := fmt.Sprintf("handoff %s not acceptable: %s", e.HandoffID, strings.Join(causes, "; "))
	if len(e.UnmetGates) > 0 {
		msg += "; unmet gates: " + strings.Join(e.UnmetGates, ", ")
	}
	return msg
}

type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	entity := e.Entity
	if entity == "" {
		entity = "directive"
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", entity, e.From, e.To)
}

// PhaseNotReadyError is returned when marking a phase complete before it reaches 100.
type PhaseNotReadyError struct {
	DirectiveID string
	Phase       string
	Progress    int
}

func (e PhaseNotReadyError) Error() string {
	return fmt.Sprintf("phase %s of directive %s is at %d%%; only a phase at 100%% can be marked complete", e.Phase, e.DirectiveID, e.Progress)
}
