package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/retry"
)

// Product id some radios report for their console while booting. Ranked last
// when only the vendor is known.
const bootProductID uint16 = 0x5740

// Substrings that mark a likely radio console when no USB ids are configured.
var consoleHints = []string{"frsky", "serial", "stm", "vcp", "x20", "x18", "x14"}

const consoleReadTimeout = 500 * time.Millisecond

var errNoPort = errors.New("no matching serial port")

// PortInfo describes one serial port known to the system.
type PortInfo struct {
	Name    string
	USB     bool
	VID     uint16
	PID     uint16
	Product string
}

// SerialPorts lists and opens serial ports. Open returns an error matching
// fs.ErrNotExist when the port has disappeared.
type SerialPorts interface {
	List() ([]PortInfo, error)
	Open(name string, baud int) (io.ReadCloser, error)
}

type systemPorts struct{}

// SystemPorts returns the host's serial ports.
func SystemPorts() SerialPorts {
	return systemPorts{}
}

func (systemPorts) List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		p := PortInfo{Name: d.Name, USB: d.IsUSB, Product: d.Product}
		if d.IsUSB {
			p.VID = parseUSBID(d.VID)
			p.PID = parseUSBID(d.PID)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func (systemPorts) Open(name string, baud int) (io.ReadCloser, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortNotFound {
			return nil, &os.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		return nil, err
	}
	if err := port.SetReadTimeout(consoleReadTimeout); err != nil {
		_ = port.Close()
		return nil, err
	}
	return port, nil
}

func parseUSBID(s string) uint16 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// FindPort picks the console among ports. With both ids set only an exact
// match counts. With only a vendor id the vendor's ports are ranked, the
// radio's usual product id first and the boot id last. Without ids the port
// name and product are matched against nameHint and a list of known radio
// names.
func FindPort(ports []PortInfo, vid, pid uint16, nameHint string) (string, bool) {
	switch {
	case vid != 0 && pid != 0:
		for _, p := range ports {
			if p.VID == vid && p.PID == pid {
				return p.Name, true
			}
		}
		return "", false
	case vid != 0:
		var candidates []PortInfo
		for _, p := range ports {
			if p.VID == vid {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) == 0 {
			return "", false
		}
		slices.SortStableFunc(candidates, func(a, b PortInfo) int {
			return productRank(a.PID) - productRank(b.PID)
		})
		return candidates[0].Name, true
	}

	hints := consoleHints
	if nameHint != "" {
		hints = append([]string{strings.ToLower(nameHint)}, consoleHints...)
	}
	for _, p := range ports {
		desc := strings.ToLower(p.Name + " " + p.Product)
		for _, h := range hints {
			if strings.Contains(desc, h) {
				return p.Name, true
			}
		}
	}
	return "", false
}

func productRank(pid uint16) int {
	switch pid {
	case DefaultProductID:
		return 0
	case bootProductID:
		return 2
	default:
		return 1
	}
}

// ConsoleOptions configures Console.
type ConsoleOptions struct {
	VendorID  uint16
	ProductID uint16
	Baud      int
	// Retries bounds the scans for a matching port.
	Retries    int
	RetryDelay time.Duration
	// OpenAttempts bounds the attempts to open the port once found.
	OpenAttempts int
	NameHint     string
	// Warmup is waited before the first scan while the radio enumerates.
	Warmup time.Duration
}

// DefaultConsoleOptions returns the settings used by Ethos radios.
func DefaultConsoleOptions() ConsoleOptions {
	return ConsoleOptions{
		VendorID:     DefaultVendorID,
		ProductID:    DefaultProductID,
		Baud:         115200,
		Retries:      10,
		RetryDelay:   time.Second,
		OpenAttempts: 8,
		NameHint:     "Serial",
		Warmup:       1500 * time.Millisecond,
	}
}

// Console follows the radio's serial debug output.
type Console struct {
	ports SerialPorts
	opts  ConsoleOptions
	log   zerolog.Logger
}

func NewConsole(ports SerialPorts, opts ConsoleOptions) *Console {
	return &Console{ports: ports, opts: opts, log: logging.Get("console")}
}

// Follow writes the console to w line by line until ctx is done or the port
// fails. Cancelling ctx is a clean stop and returns nil.
func (c *Console) Follow(ctx context.Context, w io.Writer) error {
	if err := retry.Sleep(ctx, c.opts.Warmup); err != nil {
		return nil
	}
	name, err := c.find(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	port, name, err := c.open(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	closePort := sync.OnceValue(port.Close)
	defer closePort()
	stop := context.AfterFunc(ctx, func() { _ = closePort() })
	defer stop()

	c.log.Info().Str("port", name).Int("baud", c.opts.Baud).Msg("serial console connected")
	err = copyLines(ctx, w, port)
	if ctx.Err() != nil {
		return nil
	}
	return deployerrors.Wrapf(err, deployerrors.ErrDeviceIO, "serial console %s stopped", name).
		WithDetail("port", name)
}

func (c *Console) find(ctx context.Context) (string, error) {
	var name string
	policy := retry.Policy{
		MaxAttempts: c.opts.Retries,
		BaseDelay:   c.opts.RetryDelay,
		Backoff:     retry.Fixed,
		OnRetry: func(attempt int, _ error, _ time.Duration) {
			c.log.Info().Int("attempt", attempt).Int("of", max(c.opts.Retries, 1)).Msg("waiting for serial port")
		},
	}
	err := retry.Do(ctx, policy, func(int) error {
		ports, err := c.ports.List()
		if err != nil {
			return err
		}
		for _, p := range ports {
			c.log.Debug().Str("port", p.Name).Bool("usb", p.USB).
				Str("id", fmt.Sprintf("%04x:%04x", p.VID, p.PID)).Str("product", p.Product).Msg("serial port")
		}
		var ok bool
		if name, ok = FindPort(ports, c.opts.VendorID, c.opts.ProductID, c.opts.NameHint); !ok {
			return errNoPort
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", deployerrors.Wrapf(err, deployerrors.ErrDeviceNotFound,
			"no serial console found (%04x:%04x) after %d scans", c.opts.VendorID, c.opts.ProductID, max(c.opts.Retries, 1)).
			WithDetail("vendor_id", c.opts.VendorID).
			WithDetail("product_id", c.opts.ProductID)
	}
	return name, nil
}

// open returns the opened port and its name, which changes when the radio
// re-enumerates between attempts.
func (c *Console) open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	var port io.ReadCloser
	policy := retry.Policy{
		MaxAttempts: c.opts.OpenAttempts,
		BaseDelay:   c.opts.RetryDelay,
		Backoff:     retry.Fixed,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			c.log.Warn().Err(err).Str("port", name).Int("attempt", attempt).Msg("serial open failed")
		},
	}
	err := retry.Do(ctx, policy, func(int) error {
		var err error
		port, err = c.ports.Open(name, c.opts.Baud)
		if errors.Is(err, fs.ErrNotExist) {
			if ports, lerr := c.ports.List(); lerr == nil {
				if found, ok := FindPort(ports, c.opts.VendorID, c.opts.ProductID, c.opts.NameHint); ok {
					name = found
				}
			}
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, name, ctx.Err()
		}
		return nil, name, deployerrors.Wrapf(err, deployerrors.ErrDeviceIO,
			"could not open serial console %s after %d attempts", name, max(c.opts.OpenAttempts, 1)).
			WithDetail("port", name)
	}
	return port, name, nil
}

// copyLines splits r on newlines. Timed out reads return 0, nil, which the
// bufio readers reject after a few rounds, so the buffering is done here.
func copyLines(ctx context.Context, w io.Writer, r io.Reader) error {
	buf := make([]byte, 1024)
	var pending []byte
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			if werr := writeLine(w, pending[:i]); werr != nil {
				return werr
			}
			pending = pending[i+1:]
		}
		if err != nil {
			if len(pending) > 0 {
				_ = writeLine(w, pending)
			}
			return err
		}
	}
	return nil
}

func writeLine(w io.Writer, line []byte) error {
	_, err := fmt.Fprintln(w, strings.ToValidUTF8(string(bytes.TrimRight(line, "\r")), "\uFFFD"))
	return err
}
