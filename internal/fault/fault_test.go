package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := New(KindTimeout, "command %q timed out after %s", "ping", "30s")

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, `timeout: command "ping" timed out after 30s`, err.Error())
}

func TestBackendCodeDoesNotChangeKindMatching(t *testing.T) {
	err := New(KindBackendError, "bad")
	err.Code = "invalid_args"

	assert.True(t, errors.Is(err, ErrBackendError))
	assert.Equal(t, KindBackendError, KindOf(err))
	assert.Equal(t, "backend_error (invalid_args): bad", err.Error())
}

func TestErrorIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", New(KindBackendUnavailable, "backend is starting"))

	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.Equal(t, KindBackendUnavailable, KindOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("exec: \"nope\": executable file not found in $PATH")
	err := Wrap(KindBackendLaunchFailed, cause, "start backend")

	assert.True(t, errors.Is(err, ErrBackendLaunchFailed))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "start backend: exec:")
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil, KindProtocolError))

	fe := From(context.DeadlineExceeded, KindTimeout)
	assert.Equal(t, KindTimeout, fe.Kind)
	assert.ErrorIs(t, fe, context.DeadlineExceeded)

	orig := New(KindCancelled, "shutdown")
	assert.Same(t, orig, From(fmt.Errorf("x: %w", orig), KindProtocolError))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
}
