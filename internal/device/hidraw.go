package device

import (
	"bufio"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// HIDRaw finds and opens Linux hidraw nodes. Discovery reads sysfs through
// an afero.Fs so it can be exercised without hardware.
type HIDRaw struct {
	fs      afero.Fs
	sysRoot string
	devRoot string
}

// NewHIDRaw returns an opener over the real /sys and /dev.
func NewHIDRaw(fs afero.Fs) *HIDRaw {
	return &HIDRaw{fs: fs, sysRoot: "/sys/class/hidraw", devRoot: "/dev"}
}

// Find returns the /dev node of the first hidraw device matching the USB
// identity, in node-name order.
func (h *HIDRaw) Find(vendorID, productID uint16) (string, error) {
	entries, err := afero.ReadDir(h.fs, h.sysRoot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := afero.ReadFile(h.fs, filepath.Join(h.sysRoot, name, "device", "uevent"))
		if err != nil {
			continue
		}
		vid, pid, ok := parseHIDID(string(data))
		if ok && vid == vendorID && pid == productID {
			return filepath.Join(h.devRoot, name), nil
		}
	}
	return "", fmt.Errorf("%w (%04x:%04x)", ErrNoDevice, vendorID, productID)
}

// parseHIDID extracts vendor and product from a uevent's
// HID_ID=<bus>:<vendor>:<product> line (hex fields).
func parseHIDID(uevent string) (vendorID, productID uint16, ok bool) {
	sc := bufio.NewScanner(strings.NewReader(uevent))
	for sc.Scan() {
		value, found := strings.CutPrefix(strings.TrimSpace(sc.Text()), "HID_ID=")
		if !found {
			continue
		}
		parts := strings.Split(value, ":")
		if len(parts) != 3 {
			return 0, 0, false
		}
		v, err := strconv.ParseUint(parts[1], 16, 32)
		if err != nil {
			return 0, 0, false
		}
		p, err := strconv.ParseUint(parts[2], 16, 32)
		if err != nil {
			return 0, 0, false
		}
		return uint16(v), uint16(p), true
	}
	return 0, 0, false
}
