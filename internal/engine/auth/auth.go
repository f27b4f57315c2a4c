package auth

import (
	"fmt"
	"strings"
)

// Permissions checked by the API before calling into the engine. Reads only
// need an authenticated principal.
const (
	DirectiveWrite    = "directive.write"
	DirectiveApprove  = "directive.approve"
	DirectiveComplete = "directive.complete"
	HandoffPropose    = "handoff.propose"
	HandoffAccept     = "handoff.accept"
	ProgressWrite     = "progress.write"
	VerdictWrite      = "verdict.write"
	EvidenceWrite     = "evidence.write"
	APIKeyCreate      = "api_key.create"

	Wildcard = "*"
)

// All lists every grantable permission.
var All = []string{
	DirectiveWrite, DirectiveApprove, DirectiveComplete,
	HandoffPropose, HandoffAccept,
	ProgressWrite, VerdictWrite, EvidenceWrite,
	APIKeyCreate,
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Allowed reports whether perms grant perm. A grant of "*" covers everything
// and "handoff.*" covers every handoff permission.
func Allowed(perms []string, perm string) bool {
	for _, p := range perms {
		p = strings.TrimSpace(p)
		switch {
		case p == Wildcard, p == perm:
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(perm, strings.TrimSuffix(p, "*")):
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless perms grant perm.
func Require(perms []string, perm string) error {
	if Allowed(perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// Known reports whether perm is a grantable permission or pattern.
func Known(perm string) bool {
	if perm == Wildcard {
		return true
	}
	if strings.HasSuffix(perm, ".*") {
		prefix := strings.TrimSuffix(perm, "*")
		for _, p := range All {
			if strings.HasPrefix(p, prefix) {
				return true
			}
		}
		return false
	}
	for _, p := range All {
		if p == perm {
			return true
		}
	}
	return false
}
