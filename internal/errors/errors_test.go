package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bolasblack/rfdeploy/internal/errors"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    errors.ErrorCode
		message string
		wantStr string
	}{
		{"lock held", errors.ErrLockHeld, "another deploy is running", "[LOCK_HELD] another deploy is running"},
		{"config", errors.ErrConfigValid, "missing tgt_name", "[CONFIG_INVALID] missing tgt_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := errors.New(tt.code, tt.message)
			assert.Equal(t, tt.code, err.Code)
			assert.NotNil(t, err.Details)
			assert.Equal(t, tt.wantStr, err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	base := stderrors.New("device busy")

	err := errors.Wrap(base, errors.ErrFileAbandoned, "gave up on a.lua")
	assert.Equal(t, "[FILE_ABANDONED] gave up on a.lua: device busy", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.Nil(t, errors.Wrap(nil, errors.ErrInternal, "nothing"))
}

func TestIsCodeThroughChain(t *testing.T) {
	inner := errors.New(errors.ErrDeviceNotFound, "no radio")
	outer := errors.Wrap(fmt.Errorf("connect: %w", inner), errors.ErrSyncFailed, "deploy failed")

	assert.True(t, errors.IsCode(outer, errors.ErrSyncFailed))
	assert.True(t, errors.IsCode(outer, errors.ErrDeviceNotFound))
	assert.False(t, errors.IsCode(outer, errors.ErrLockHeld))
	assert.Equal(t, errors.ErrSyncFailed, errors.CodeOf(outer))
	assert.Equal(t, errors.ErrUnknown, errors.CodeOf(stderrors.New("plain")))
}

func TestIsComparesCodes(t *testing.T) {
	a := errors.New(errors.ErrLockStale, "stale lock from PID 1")
	b := errors.New(errors.ErrLockStale, "different message")

	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, errors.New(errors.ErrLockHeld, "")))
}

func TestWithDetail(t *testing.T) {
	err := errors.New(errors.ErrLockHeld, "busy").WithDetail("pid", 42)
	assert.Equal(t, 42, err.Details["pid"])
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, errors.ExitCode(nil))
	assert.Equal(t, 1, errors.ExitCode(errors.New(errors.ErrLockHeld, "x")))
	assert.Equal(t, 1, errors.ExitCode(stderrors.New("plain")))
	assert.Equal(t, 130, errors.ExitCode(fmt.Errorf("run: %w", errors.New(errors.ErrCancelled, "interrupted"))))
}
