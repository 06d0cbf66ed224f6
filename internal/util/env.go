package util

import (
	"github.com/spf13/afero"
)

// Env bundles the filesystem and process access a deploy needs, so tests can
// run against MemMapFs and a MockCommandRunner.
type Env struct {
	Fs  afero.Fs
	Cmd CommandRunner
}

// NewOsEnv uses the real filesystem and runs real commands.
func NewOsEnv() *Env {
	return &Env{Fs: afero.NewOsFs(), Cmd: NewCommandRunner()}
}

// NewReadonlyOsEnv is for commands that only inspect, like status.
func NewReadonlyOsEnv() *Env {
	return &Env{Fs: afero.NewReadOnlyFs(afero.NewOsFs()), Cmd: NewCommandRunner()}
}

func NewTestEnv() *Env {
	return &Env{Fs: afero.NewMemMapFs(), Cmd: NewMockCommandRunner()}
}
