package console

import (
	"bytes"
	"sync"

	"github.com/sammck-go/etclient/internal/wire"
)

// Fake is a deterministic test double for Console (spec.md §9: "unit
// tests may supply a deterministic input/output pair of pipes"). Feed
// local keystrokes with PushInput; inspect what the engine wrote to the
// display with Written.
type Fake struct {
	mu           sync.Mutex
	inputCh      chan []byte
	written      bytes.Buffer
	info         wire.TerminalInfo
	setupCalls   int
	teardownCalls int
}

// NewFake builds a Fake console with the given initial terminal size.
func NewFake(info wire.TerminalInfo) *Fake {
	return &Fake{inputCh: make(chan []byte, 64), info: info}
}

func (f *Fake) Setup() error {
	f.mu.Lock()
	f.setupCalls++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Teardown() {
	f.mu.Lock()
	f.teardownCalls++
	f.mu.Unlock()
}

// SetupCalls and TeardownCalls let tests assert teardown runs on every
// exit path (spec.md P5) without racing the engine's own goroutines.
func (f *Fake) SetupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setupCalls
}

func (f *Fake) TeardownCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardownCalls
}

// PushInput simulates a local keystroke chunk becoming available.
func (f *Fake) PushInput(data []byte) {
	f.inputCh <- data
}

func (f *Fake) HasInput() bool { return len(f.inputCh) > 0 }

func (f *Fake) ReadInput() ([]byte, bool) {
	select {
	case data := <-f.inputCh:
		return data, true
	default:
		return nil, false
	}
}

func (f *Fake) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

// Written returns everything written to the display so far.
func (f *Fake) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

func (f *Fake) TerminalInfo() wire.TerminalInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

// Resize simulates the user resizing their terminal window.
func (f *Fake) Resize(info wire.TerminalInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
}

var _ Console = (*Fake)(nil)
