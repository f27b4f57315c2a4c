package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name  string
		perms []string
		perm  string
		want  bool
	}{
		{"exact", []string{HandoffAccept}, HandoffAccept, true},
		{"wildcard", []string{Wildcard}, DirectiveApprove, true},
		{"prefix", []string{"handoff.*"}, HandoffPropose, true},
		{"prefix does not leak", []string{"handoff.*"}, DirectiveApprove, false},
		{"none", nil, DirectiveWrite, false},
		{"padded", []string{" directive.approve "}, DirectiveApprove, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(tt.perms, tt.perm))
		})
	}
}

func TestRequire(t *testing.T) {
	err := Require([]string{VerdictWrite}, DirectiveApprove)
	var fe ForbiddenError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, DirectiveApprove, fe.Permission)
	assert.NoError(t, Require([]string{VerdictWrite}, VerdictWrite))
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(Wildcard))
	assert.True(t, Known("directive.*"))
	assert.True(t, Known(APIKeyCreate))
	assert.False(t, Known("task.create"))
	assert.False(t, Known("task.*"))
}
