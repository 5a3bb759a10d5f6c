// Package console implements the Console component of the session engine
// (spec.md §4.D): the abstraction of the local pseudo-terminal that the
// session engine reads keystrokes from and writes remote output to.
//
// Grounded on the raw-mode setup/restore and GetSize patterns used across
// the example pack's terminal-attaching tools (e.g. the ssh client's
// makeStdinRaw/termSize helpers), generalized into the setup/teardown
// contract spec.md requires, and on andrew-d/go-termutil for the isatty
// check the teacher's own stack doesn't otherwise need. Input polling
// follows the same background-reader-plus-buffered-channel idiom as
// internal/channel and internal/portforward, so the session engine's
// ~10ms readiness tick (spec.md §5) never blocks on a local Read.
package console

import (
	"os"

	"github.com/andrew-d/go-termutil"
	"golang.org/x/term"

	"github.com/sammck-go/etclient/internal/wire"
)

const maxInputChunk = 16 * 1024

// Console is the local pseudo-terminal abstraction (spec.md §4.D).
// Implementations may be a real attached terminal or a test double.
type Console interface {
	// Setup places the local terminal into raw mode and starts the
	// background input reader. Must guarantee Teardown restores terminal
	// mode even if Setup is never paired with a successful session.
	Setup() error
	// Teardown restores whatever Setup changed. Safe to call more than
	// once; only the first call has any effect.
	Teardown()
	// HasInput reports whether ReadInput would return data without
	// blocking.
	HasInput() bool
	// ReadInput is a non-blocking poll: returns up to one chunk of
	// locally-typed bytes, or ok==false if none is buffered.
	ReadInput() (data []byte, ok bool)
	// Write sends remote output bytes to the local display.
	Write(p []byte) (int, error)
	// TerminalInfo returns the console's current window geometry.
	TerminalInfo() wire.TerminalInfo
}

// TermConsole is the real Console implementation, backed by the
// process's own stdin/stdout.
type TermConsole struct {
	in       *os.File
	out      *os.File
	oldState *term.State
	isTTY    bool
	setup    bool
	inputCh  chan []byte
}

// NewTermConsole builds a Console over the process's stdin/stdout.
func NewTermConsole() *TermConsole {
	return &TermConsole{in: os.Stdin, out: os.Stdout, inputCh: make(chan []byte, 16)}
}

// Setup puts stdin into raw mode if it's a real terminal; over a pipe or
// redirected file (tests, `| etclient`) raw-mode is skipped, matching
// term.IsTerminal's role in the teacher's own CLI tooling, but the
// background reader always starts so piped input still works.
func (c *TermConsole) Setup() error {
	c.isTTY = termutil.Isatty(c.in.Fd())
	if c.isTTY {
		oldState, err := term.MakeRaw(int(c.in.Fd()))
		if err != nil {
			return err
		}
		c.oldState = oldState
	}
	c.setup = true
	go c.readLoop()
	return nil
}

func (c *TermConsole) readLoop() {
	buf := make([]byte, maxInputChunk)
	for {
		n, err := c.in.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.inputCh <- data
		}
		if err != nil {
			return
		}
	}
}

// Teardown restores the terminal's prior mode exactly once.
func (c *TermConsole) Teardown() {
	if !c.setup {
		return
	}
	c.setup = false
	if c.isTTY {
		term.Restore(int(c.in.Fd()), c.oldState)
	}
}

func (c *TermConsole) HasInput() bool { return len(c.inputCh) > 0 }

func (c *TermConsole) ReadInput() ([]byte, bool) {
	select {
	case data := <-c.inputCh:
		return data, true
	default:
		return nil, false
	}
}

func (c *TermConsole) Write(p []byte) (int, error) { return c.out.Write(p) }

// TerminalInfo reports the current window size, falling back to a sane
// default (24x80) when Setup found stdin not to be a TTY, or when the
// size of stdout cannot be read.
func (c *TermConsole) TerminalInfo() wire.TerminalInfo {
	if !c.isTTY {
		return wire.TerminalInfo{Rows: 24, Cols: 80}
	}
	cols, rows, err := term.GetSize(int(c.out.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return wire.TerminalInfo{Rows: 24, Cols: 80}
	}
	return wire.TerminalInfo{Rows: uint16(rows), Cols: uint16(cols)}
}
