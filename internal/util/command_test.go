package util

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner(t *testing.T) {
	dir := t.TempDir()
	out, err := NewCommandRunner().RunContext(context.Background(), dir, "sh", "-c", "pwd; echo step-output")
	require.NoError(t, err)
	assert.Contains(t, string(out), dir)
	assert.Contains(t, string(out), "step-output")

	out, err = NewCommandRunner().RunContext(context.Background(), "", "sh", "-c", "echo failed >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, string(out), "failed", "stderr is part of the output")
}

func TestExecRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCommandRunner().RunContext(ctx, "", "sleep", "5")
	assert.Error(t, err)
}

func TestMockCommandRunner(t *testing.T) {
	ctx := context.Background()
	m := NewMockCommandRunner().
		ExpectSuccess("ethossuite --version", []byte("1.7.2\n")).
		ExpectFailure("ethossuite --serial start --radio auto", errors.New("exit status 2"))

	out, err := m.RunContext(ctx, "", "ethossuite", "--version")
	require.NoError(t, err)
	assert.Equal(t, "1.7.2\n", string(out))

	_, err = m.RunContext(ctx, "/repo", "ethossuite", "--serial", "start", "--radio", "auto")
	assert.EqualError(t, err, "exit status 2")
	assert.Equal(t, "/repo", m.Calls[1].Dir)

	_, err = m.RunContext(ctx, "", "unexpected")
	assert.ErrorIs(t, err, ErrUnexpectedCommand)

	assert.True(t, m.Called("ethossuite --version"))
	assert.False(t, m.Called("ethossuite --serial stop --radio auto"))
	assert.Equal(t, []string{
		"ethossuite --version",
		"ethossuite --serial start --radio auto",
		"unexpected",
	}, m.Keys())
}

func TestMockCommandRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMockCommandRunner().ExpectSuccess("python3 bin/i18n/build.py", nil)
	_, err := m.RunContext(ctx, "/repo", "python3", "bin/i18n/build.py")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Calls)
}

func TestRunIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "abc", RunID(WithRunID(ctx, "abc")))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/repo/.rfdeploy/last-run.json", LastRunPath("/repo"))
	assert.Equal(t, "/repo/src/rfsuite", SourceDir("/repo", "rfsuite"))
}

func TestProgressHelpers(t *testing.T) {
	var buf bytes.Buffer
	ProgressStep(&buf, "Staging %s\n", "rfsuite")
	ProgressDone(&buf, "Done\n")
	ProgressWarn(&buf, "step %q skipped\n", "i18n")
	Progress(nil, "ignored")

	assert.Equal(t, "→ Staging rfsuite\n✓ Done\n⚠ step \"i18n\" skipped\n", buf.String())
}
