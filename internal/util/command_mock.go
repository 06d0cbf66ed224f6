package util

import (
	"context"
	"fmt"
	"strings"
)

// ErrUnexpectedCommand is returned by MockCommandRunner for commands nobody expected.
var ErrUnexpectedCommand = fmt.Errorf("unexpected command")

// MockCommandRunner answers commands from a table keyed by "name arg1 arg2".
type MockCommandRunner struct {
	results map[string]mockResult
	Calls   []CommandCall
}

type mockResult struct {
	output []byte
	err    error
}

// CommandCall records one invocation.
type CommandCall struct {
	Key string
	Dir string
}

func NewMockCommandRunner() *MockCommandRunner {
	return &MockCommandRunner{results: make(map[string]mockResult)}
}

// Expect registers the result for cmd, e.g. "ethossuite --version".
func (m *MockCommandRunner) Expect(cmd string, output []byte, err error) *MockCommandRunner {
	m.results[cmd] = mockResult{output: output, err: err}
	return m
}

func (m *MockCommandRunner) ExpectSuccess(cmd string, output []byte) *MockCommandRunner {
	return m.Expect(cmd, output, nil)
}

func (m *MockCommandRunner) ExpectFailure(cmd string, err error) *MockCommandRunner {
	return m.Expect(cmd, nil, err)
}

// RunContext records the call and returns the registered result. A cancelled
// ctx fails before anything is recorded, as a real process would not start.
func (m *MockCommandRunner) RunContext(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := strings.Join(append([]string{name}, args...), " ")
	m.Calls = append(m.Calls, CommandCall{Key: key, Dir: dir})

	r, ok := m.results[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedCommand, key)
	}
	return r.output, r.err
}

// Called reports whether cmd ran at least once.
func (m *MockCommandRunner) Called(cmd string) bool {
	for _, c := range m.Calls {
		if c.Key == cmd {
			return true
		}
	}
	return false
}

// Keys lists the calls in order.
func (m *MockCommandRunner) Keys() []string {
	keys := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		keys[i] = c.Key
	}
	return keys
}
