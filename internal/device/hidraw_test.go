package device

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHIDID(t *testing.T) {
	tests := []struct {
		name   string
		uevent string
		vid    uint16
		pid    uint16
		ok     bool
	}{
		{"radio", "DRIVER=hid-generic\nHID_ID=0003:00000483:00005750\nHID_NAME=FrSky\n", 0x0483, 0x5750, true},
		{"keyboard", "HID_ID=0003:0000046D:0000C52B\n", 0x046d, 0xc52b, true},
		{"missing", "DRIVER=hid-generic\n", 0, 0, false},
		{"malformed", "HID_ID=0003:zz\n", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vid, pid, ok := parseHIDID(tt.uevent)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.vid, vid)
			assert.Equal(t, tt.pid, pid)
		})
	}
}

func TestHIDRawFind(t *testing.T) {
	fs := afero.NewMemMapFs()
	write := func(node, uevent string) {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/sys/class/hidraw", node, "device", "uevent"), []byte(uevent), 0o644))
	}
	write("hidraw0", "HID_ID=0003:0000046D:0000C52B\n")
	write("hidraw2", "HID_ID=0003:00000483:00005750\n")
	write("hidraw1", "HID_ID=0003:00000483:00005750\n")

	h := NewHIDRaw(fs)
	node, err := h.Find(DefaultVendorID, DefaultProductID)
	require.NoError(t, err)
	assert.Equal(t, "/dev/hidraw1", node)

	_, err = h.Find(0x1234, 0x5678)
	assert.True(t, errors.Is(err, ErrNoDevice))
}

func TestHIDRawFindNoSysfs(t *testing.T) {
	_, err := NewHIDRaw(afero.NewMemMapFs()).Find(DefaultVendorID, DefaultProductID)
	assert.True(t, errors.Is(err, ErrNoDevice))
}
