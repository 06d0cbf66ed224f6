//go:build linux

package device

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Open implements Opener.
func (h *HIDRaw) Open(vendorID, productID uint16) (Transport, error) {
	path, err := h.Find(vendorID, productID)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &hidrawNode{fd: fd, path: path}, nil
}

type hidrawNode struct {
	fd   int
	path string
}

func (n *hidrawNode) Write(frame []byte) (int, error) {
	return unix.Write(n.fd, frame)
}

func (n *hidrawNode) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			return 0, nil
		}
		fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if ready == 0 {
			return 0, nil
		}
		return unix.Read(n.fd, buf)
	}
}

func (n *hidrawNode) Close() error {
	return unix.Close(n.fd)
}
