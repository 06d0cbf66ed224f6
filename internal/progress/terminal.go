package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/bolasblack/rfdeploy/internal/util"
)

// Terminal renders a progress bar per phase when w is a terminal, and plain
// per-item lines otherwise (CI logs, pipes).
type Terminal struct {
	w       io.Writer
	tty     bool
	color   bool
	verbose bool
	bar     *progressbar.ProgressBar
}

// NewTerminal creates a Terminal reporter writing to w.
// verbose forces plain per-item lines even on a terminal.
func NewTerminal(w io.Writer, verbose bool) *Terminal {
	tty := IsTerminal(w) && !verbose
	return &Terminal{
		w:       w,
		tty:     tty,
		color:   tty && os.Getenv("NO_COLOR") == "",
		verbose: verbose,
	}
}

// IsTerminal reports whether w is an *os.File attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func (t *Terminal) Start(phase string, total int) {
	t.finishBar()
	if !t.tty {
		if total > 0 {
			util.ProgressStep(t.w, "%s (%d)\n", phase, total)
		} else {
			util.ProgressStep(t.w, "%s\n", phase)
		}
		return
	}

	max := int64(total)
	if max <= 0 {
		max = -1 // spinner
	}
	t.bar = progressbar.NewOptions64(
		max,
		progressbar.OptionSetDescription(phase),
		progressbar.OptionSetWriter(t.w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprint(t.w, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionEnableColorCodes(t.color),
	)
}

func (t *Terminal) Advance(n int) {
	if t.bar != nil {
		_ = t.bar.Add(n)
	}
}

func (t *Terminal) Item(action, path string) {
	if t.tty {
		return
	}
	util.Progress(t.w, "  %-7s %s\n", action, path)
}

func (t *Terminal) Finish() {
	t.finishBar()
}

func (t *Terminal) finishBar() {
	if t.bar == nil {
		return
	}
	_ = t.bar.Finish()
	t.bar = nil
}
