package device

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bolasblack/rfdeploy/internal/util"
)

func singleOpener(ft *fakeTransport) Opener {
	return OpenerFunc(func(uint16, uint16) (Transport, error) { return ft, nil })
}

func TestControllerSetModeHID(t *testing.T) {
	ft := &fakeTransport{}
	c := NewController(singleOpener(ft), fastConnect(), nil, NewScanner(afero.NewMemMapFs(), staticVolumes{}))

	require.NoError(t, c.SetMode(context.Background(), ModeDebug))
	assert.Equal(t, [][]byte{{0x00, 0x81, 0x68}}, ft.written)
	assert.True(t, ft.closed)
}

func TestControllerSetModeSuite(t *testing.T) {
	env := util.NewTestEnv()
	mock := env.Cmd.(*util.MockCommandRunner)
	mock.ExpectSuccess("ethos-suite --serial stop --radio auto", nil)
	ft := &fakeTransport{}
	c := NewController(singleOpener(ft), fastConnect(), NewSuite("ethos-suite", env), NewScanner(env.Fs, staticVolumes{}))

	require.NoError(t, c.SetMode(context.Background(), ModeStorage))
	assert.Empty(t, ft.written)
}

func TestControllerSetModeSuiteFallsBack(t *testing.T) {
	env := util.NewTestEnv()
	mock := env.Cmd.(*util.MockCommandRunner)
	mock.ExpectFailure("ethos-suite --serial start --radio auto", errors.New("no radio"))
	ft := &fakeTransport{}
	c := NewController(singleOpener(ft), fastConnect(), NewSuite("ethos-suite", env), NewScanner(env.Fs, staticVolumes{}))

	require.NoError(t, c.SetMode(context.Background(), ModeDebug))
	assert.True(t, mock.Called("ethos-suite --serial start --radio auto"))
	assert.Equal(t, [][]byte{{0x00, 0x81, 0x68}}, ft.written)
}

func TestControllerOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	vols := []Volume{mkVolume(t, fs, "/media/u/SD", RoleSDCard, true)}
	ft := &fakeTransport{replies: [][]byte{{0x00, InformationResponse, 4}}}
	scanner := NewScanner(fs, staticVolumes{vols: vols})
	c := NewController(singleOpener(ft), fastConnect(), nil, scanner)

	sess, err := c.Open(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, &Info{Board: 4, DefaultStorage: RoleSDCard}, sess.Info)
	assert.Equal(t, map[Role]string{RoleSDCard: "/media/u/SD"}, sess.Drives)
	dir, ok := sess.ScriptsDir(scanner)
	assert.True(t, ok)
	assert.Equal(t, "/media/u/SD/scripts", dir)
}

func TestControllerReboot(t *testing.T) {
	ft := &fakeTransport{}
	c := NewController(singleOpener(ft), fastConnect(), nil, NewScanner(afero.NewMemMapFs(), staticVolumes{}))
	require.NoError(t, c.Reboot(context.Background()))
	assert.Equal(t, [][]byte{{0x00, 0x61, 0x66}}, ft.written)
}
