package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("write op: %w", Validation("text is required").ForOp("op1"))

	assert.True(t, errors.Is(err, New(CodeValidation, "")))
	assert.False(t, errors.Is(err, New(CodeConflict, "")))
	assert.Equal(t, CodeValidation, CodeOf(err))

	var e *Error
	if assert.True(t, errors.As(err, &e)) {
		assert.Equal(t, "op1", e.OpID)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "transient", err: Transient("socket closed", errors.New("eof")), want: true},
		{name: "broker", err: BrokerUnavailable("publish", nil), want: true},
		{name: "plain error", err: errors.New("boom"), want: true},
		{name: "validation", err: Validation("bad"), want: false},
		{name: "auth", err: Auth("expired", nil), want: false},
		{name: "conflict", err: Conflict("deleted"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Transient("dial gateway", errors.New("connection refused"))
	assert.Equal(t, "dial gateway: connection refused", err.Error())
	assert.Equal(t, "AUTH", New(CodeAuth, "").Error())
	assert.Equal(t, Code(""), CodeOf(nil))
}
