package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskorch/taskorch/internal/tasktype"
)

func constraints(allowed, forbidden []string, max int) tasktype.Constraints {
	return tasktype.Constraints{AllowedPaths: allowed, ForbiddenPaths: forbidden, MaxFilesChanged: max}
}

func TestEnforce_TooManyFiles(t *testing.T) {
	c := constraints([]string{"**"}, nil, 1)
	err := Enforce([]string{"a.go", "b.go"}, c)
	assert.True(t, errors.Is(err, ErrPolicyViolation))
}

func TestEnforce_ForbiddenPathRejected(t *testing.T) {
	c := constraints([]string{"**"}, []string{".git/**"}, 10)
	err := Enforce([]string{".git/config"}, c)
	assert.True(t, errors.Is(err, ErrPolicyViolation))
}

func TestEnforce_AllowListWithSingleGlobRejectsOutsidePath(t *testing.T) {
	c := constraints([]string{"src/**"}, nil, 10)
	err := Enforce([]string{"docs/readme.md"}, c)
	assert.True(t, errors.Is(err, ErrPolicyViolation))
}

func TestEnforce_AllowListAcceptsMatchingPath(t *testing.T) {
	c := constraints([]string{"src/**"}, nil, 10)
	err := Enforce([]string{"src/pkg/file.go"}, c)
	assert.NoError(t, err)
}

func TestEnforce_OrderForbiddenCheckedBeforeAllow(t *testing.T) {
	c := constraints([]string{"**"}, []string{"secrets/**"}, 10)
	err := Enforce([]string{"secrets/key.pem"}, c)
	assert.True(t, errors.Is(err, ErrPolicyViolation))
}

func TestEnforce_NoFilesAlwaysPasses(t *testing.T) {
	c := constraints([]string{"src/**"}, []string{"secrets/**"}, 0)
	assert.NoError(t, Enforce(nil, c))
}
