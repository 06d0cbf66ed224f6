package device

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bolasblack/rfdeploy/internal/logging"
)

// Session is an open link together with the volumes seen when it opened.
type Session struct {
	VendorID  uint16
	ProductID uint16
	Link      *Link
	Info      *Info
	Drives    map[Role]string
}

// Close releases the link.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	return s.Link.Close()
}

// ScriptsDir picks the scripts directory from the session's drives.
func (s *Session) ScriptsDir(scanner *Scanner) (string, bool) {
	return ScriptsDirIn(scanner.fs, s.Drives)
}

// Controller performs one-shot device operations, opening and closing the
// HID link around each.
type Controller struct {
	opener  Opener
	connect ConnectOptions
	suite   *Suite
	scanner *Scanner
	log     zerolog.Logger
}

// NewController returns a Controller. suite may be nil.
func NewController(opener Opener, connect ConnectOptions, suite *Suite, scanner *Scanner) *Controller {
	return &Controller{
		opener:  opener,
		connect: connect,
		suite:   suite,
		scanner: scanner,
		log:     logging.Get("device"),
	}
}

// Scanner returns the drive scanner.
func (c *Controller) Scanner() *Scanner {
	return c.scanner
}

// Suite returns the Ethos Suite wrapper, possibly unconfigured.
func (c *Controller) Suite() *Suite {
	return c.suite
}

// Open connects, reads the board information and scans the drives.
func (c *Controller) Open(ctx context.Context) (*Session, error) {
	link, err := Connect(ctx, c.opener, c.connect)
	if err != nil {
		return nil, err
	}
	info, err := link.RequestInfo()
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	drives, err := c.scanner.ScanDrives()
	if err != nil {
		c.log.Warn().Err(err).Msg("drive scan failed")
	}
	return &Session{
		VendorID:  c.connect.VendorID,
		ProductID: c.connect.ProductID,
		Link:      link,
		Info:      info,
		Drives:    drives,
	}, nil
}

// SetMode switches the radio's USB mode. Ethos Suite is tried first when
// configured; on failure, or without it, the HID request is sent directly.
func (c *Controller) SetMode(ctx context.Context, mode USBMode) error {
	if c.suite.Configured() {
		action := "stop"
		if mode == ModeDebug {
			action = "start"
		}
		err := c.suite.Serial(ctx, action)
		if err == nil {
			return nil
		}
		c.log.Warn().Err(err).Stringer("mode", mode).Msg("Ethos Suite mode switch failed; falling back to HID")
	}
	return c.withLink(ctx, func(l *Link) error { return l.SendModeSwitch(mode) })
}

// Reboot restarts the radio.
func (c *Controller) Reboot(ctx context.Context) error {
	return c.withLink(ctx, (*Link).Reboot)
}

func (c *Controller) withLink(ctx context.Context, fn func(*Link) error) error {
	link, err := Connect(ctx, c.opener, c.connect)
	if err != nil {
		return err
	}
	defer link.Close()
	return fn(link)
}
