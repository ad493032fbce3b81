package errors_test

import (
	stderrors "errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atlasops/be-pm-approvals/internal/platform/errors"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "coded", err: errors.New(errors.ErrCodeAlreadyDecided, "vote recorded"), want: errors.ErrCodeAlreadyDecided},
		{name: "wrapped coded", err: errors.Wrap(io.EOF, errors.ErrCodeActionFailed, "apply change"), want: errors.ErrCodeActionFailed},
		{name: "plain error", err: io.EOF, want: errors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errors.CodeOf(tc.err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	err := errors.Wrap(io.EOF, errors.ErrCodeInternal, "read config")
	assert.True(t, stderrors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "read config")
}

func TestHelpers(t *testing.T) {
	nf := errors.NotFound("approval_request", "req-1")
	assert.Equal(t, errors.ErrCodeNotFound, nf.Code)
	assert.Contains(t, nf.Message, "req-1")

	in := errors.InvalidInput("change_kind", "unknown kind")
	assert.Equal(t, errors.ErrCodeInvalidInput, in.Code)
	assert.True(t, errors.HasCode(in, errors.ErrCodeInvalidInput))
}
