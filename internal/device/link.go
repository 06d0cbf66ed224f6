// Package device talks to an Ethos radio over its USB HID control interface
// and locates the radio's mass-storage volumes.
//
// The radio exposes a vendor HID interface (0483:5750) that accepts 3-byte
// frames [report id, request code, argument]. The same USB connection also
// exposes one or more FAT volumes, each carrying a <role>.cpuid marker file
// in its root.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/retry"
)

// Default USB identity of Ethos radios.
const (
	DefaultVendorID  uint16 = 0x0483
	DefaultProductID uint16 = 0x5750
)

// Request and response codes.
const (
	InformationRequest    byte = 0x21
	InformationResponse   byte = 0x22
	FlashFirmwareRequest  byte = 0x41
	FlashFirmwareResponse byte = 0x42
	FlashDeviceRequest    byte = 0x51
	FlashDeviceResponse   byte = 0x52
	RebootRequest         byte = 0x61
	FormatStorageRequest  byte = 0x71
	FormatStorageResponse byte = 0x72
	USBModeRequest        byte = 0x81
	USBModeResponse       byte = 0x82
)

const (
	infoArgument   byte = 0x06
	rebootArgument byte = 0x66

	infoReadSize = 256
	// InfoTimeout bounds the wait for the information response.
	InfoTimeout = 200 * time.Millisecond
)

// USBMode is the argument of a USB mode switch.
type USBMode byte

const (
	// ModeDebug switches the radio to the serial debug console. Storage
	// volumes disappear from the host.
	ModeDebug USBMode = 0x68
	// ModeStorage switches the radio back to mass storage.
	ModeStorage USBMode = 0x69
)

func (m USBMode) String() string {
	switch m {
	case ModeDebug:
		return "debug"
	case ModeStorage:
		return "storage"
	default:
		return fmt.Sprintf("USBMode(%#x)", byte(m))
	}
}

// ParseUSBMode accepts "debug" or "storage".
func ParseUSBMode(s string) (USBMode, error) {
	switch s {
	case "debug":
		return ModeDebug, nil
	case "storage":
		return ModeStorage, nil
	default:
		return 0, fmt.Errorf("unknown USB mode %q (want debug or storage)", s)
	}
}

// Transport is an open HID handle.
type Transport interface {
	Write(frame []byte) (int, error)
	// ReadTimeout reads one input report. It returns 0 and no error when
	// nothing arrived within timeout.
	ReadTimeout(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// Opener opens the HID device with the given USB identity.
type Opener interface {
	Open(vendorID, productID uint16) (Transport, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(vendorID, productID uint16) (Transport, error)

func (f OpenerFunc) Open(vendorID, productID uint16) (Transport, error) {
	return f(vendorID, productID)
}

// ErrNoDevice is returned by openers when no matching device is attached.
var ErrNoDevice = errors.New("no matching HID device")

// Info is the decoded information response.
type Info struct {
	Board          byte
	DefaultStorage Role
}

// sdcardBoards keep user scripts on the SD card rather than internal flash.
var sdcardBoards = map[byte]bool{4: true, 5: true, 6: true, 11: true}

// StorageForBoard maps a board id to the volume holding scripts by default.
func StorageForBoard(board byte) Role {
	if sdcardBoards[board] {
		return RoleSDCard
	}
	return RoleRadio
}

// Link is an open control connection. It holds no device state beyond the
// handle.
type Link struct {
	t   Transport
	log zerolog.Logger
}

// ConnectOptions controls Connect's retry loop.
type ConnectOptions struct {
	VendorID  uint16
	ProductID uint16
	Retries   int
	Delay     time.Duration
}

// DefaultConnectOptions matches Ethos Suite: 10 tries, 500 ms apart.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		VendorID:  DefaultVendorID,
		ProductID: DefaultProductID,
		Retries:   10,
		Delay:     500 * time.Millisecond,
	}
}

// Connect opens the device, retrying with a fixed delay. It fails with
// ErrDeviceNotFound once the attempts are exhausted, or ErrUnsupported when
// the platform has no HID transport.
func Connect(ctx context.Context, opener Opener, opts ConnectOptions) (*Link, error) {
	log := logging.Get("device")
	var t Transport
	policy := retry.Policy{
		MaxAttempts: opts.Retries,
		BaseDelay:   opts.Delay,
		Backoff:     retry.Fixed,
		IsRetryable: func(err error) bool {
			return !deployerrors.IsCode(err, deployerrors.ErrUnsupported)
		},
		OnRetry: func(attempt int, err error, _ time.Duration) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("radio not found yet")
		},
	}
	err := retry.Do(ctx, policy, func(int) error {
		var err error
		t, err = opener.Open(opts.VendorID, opts.ProductID)
		return err
	})
	if err != nil {
		if ctx.Err() != nil || deployerrors.IsCode(err, deployerrors.ErrUnsupported) {
			return nil, err
		}
		return nil, deployerrors.Wrapf(err, deployerrors.ErrDeviceNotFound,
			"no Ethos compatible device found (%04x:%04x) after %d attempts", opts.VendorID, opts.ProductID, max(opts.Retries, 1)).
			WithDetail("vendor_id", opts.VendorID).
			WithDetail("product_id", opts.ProductID)
	}
	log.Debug().Msg("radio connected")
	return &Link{t: t, log: log}, nil
}

// NewLink wraps an already open transport.
func NewLink(t Transport) *Link {
	return &Link{t: t, log: logging.Get("device")}
}

func (l *Link) send(code, arg byte) error {
	frame := []byte{0x00, code, arg}
	if _, err := l.t.Write(frame); err != nil {
		return deployerrors.Wrapf(err, deployerrors.ErrDeviceIO, "failed to send request %#x", code)
	}
	l.log.Trace().Hex("frame", frame).Msg("sent")
	return nil
}

// RequestInfo asks the radio for its board id. It returns nil and no error
// when the radio does not answer within InfoTimeout.
func (l *Link) RequestInfo() (*Info, error) {
	if err := l.send(InformationRequest, infoArgument); err != nil {
		return nil, err
	}
	buf := make([]byte, infoReadSize)
	n, err := l.t.ReadTimeout(buf, InfoTimeout)
	if err != nil {
		return nil, deployerrors.Wrap(err, deployerrors.ErrDeviceIO, "failed to read information response")
	}
	if n < 3 {
		return nil, nil
	}
	board := buf[2]
	return &Info{Board: board, DefaultStorage: StorageForBoard(board)}, nil
}

// SendModeSwitch requests a USB mode change. It does not wait for volumes
// to mount or unmount.
func (l *Link) SendModeSwitch(mode USBMode) error {
	l.log.Info().Stringer("mode", mode).Msg("switching USB mode")
	return l.send(USBModeRequest, byte(mode))
}

// Reboot restarts the radio firmware.
func (l *Link) Reboot() error {
	return l.send(RebootRequest, rebootArgument)
}

// FlashFirmware starts flashing firmware.bin from the default storage.
func (l *Link) FlashFirmware() error {
	return l.send(FlashFirmwareRequest, 0)
}

// FlashSecondary starts flashing device.frsk from the default storage.
func (l *Link) FlashSecondary() error {
	return l.send(FlashDeviceRequest, 0)
}

// FormatStorage asks the radio to format its storage.
func (l *Link) FormatStorage() error {
	return l.send(FormatStorageRequest, 0)
}

// Close releases the handle. Safe to call on a nil Link.
func (l *Link) Close() error {
	if l == nil || l.t == nil {
		return nil
	}
	err := l.t.Close()
	l.t = nil
	return err
}
