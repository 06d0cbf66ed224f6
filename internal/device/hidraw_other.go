//go:build !linux

package device

import (
	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
)

// Open implements Opener. Only Linux hidraw is supported; elsewhere the
// caller falls back to scanning drives.
func (h *HIDRaw) Open(vendorID, productID uint16) (Transport, error) {
	return nil, deployerrors.New(deployerrors.ErrUnsupported, "direct HID access is only supported on Linux")
}
