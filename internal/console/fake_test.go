package console

import (
	"testing"

	"github.com/sammck-go/etclient/internal/wire"
)

func TestFakeInputRoundTrip(t *testing.T) {
	f := NewFake(wire.TerminalInfo{Rows: 24, Cols: 80})
	if f.HasInput() {
		t.Fatal("fresh Fake should have no input buffered")
	}
	f.PushInput([]byte("hello"))
	if !f.HasInput() {
		t.Fatal("expected HasInput after PushInput")
	}
	data, ok := f.ReadInput()
	if !ok || string(data) != "hello" {
		t.Fatalf("got (%q, %v)", data, ok)
	}
	if f.HasInput() {
		t.Fatal("HasInput should be false after draining the only chunk")
	}
	if _, ok := f.ReadInput(); ok {
		t.Fatal("ReadInput should report ok=false when nothing is buffered")
	}
}

func TestFakeWriteAccumulates(t *testing.T) {
	f := NewFake(wire.TerminalInfo{})
	f.Write([]byte("ab"))
	f.Write([]byte("cd"))
	if got := string(f.Written()); got != "abcd" {
		t.Fatalf("got %q, want %q", got, "abcd")
	}
}

func TestFakeResizeChangesTerminalInfo(t *testing.T) {
	f := NewFake(wire.TerminalInfo{Rows: 24, Cols: 80})
	if got := f.TerminalInfo(); !got.Equal(wire.TerminalInfo{Rows: 24, Cols: 80}) {
		t.Fatalf("got %+v", got)
	}
	f.Resize(wire.TerminalInfo{Rows: 40, Cols: 120})
	if got := f.TerminalInfo(); !got.Equal(wire.TerminalInfo{Rows: 40, Cols: 120}) {
		t.Fatalf("got %+v", got)
	}
}

func TestFakeSetupTeardownCounts(t *testing.T) {
	f := NewFake(wire.TerminalInfo{})
	if err := f.Setup(); err != nil {
		t.Fatalf("Setup: %s", err)
	}
	f.Teardown()
	f.Teardown()
	if f.SetupCalls() != 1 {
		t.Fatalf("got %d setup calls, want 1", f.SetupCalls())
	}
	if f.TeardownCalls() != 2 {
		t.Fatalf("got %d teardown calls, want 2", f.TeardownCalls())
	}
}
