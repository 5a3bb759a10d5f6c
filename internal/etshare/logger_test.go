package etshare

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func newBufferedLogger(buf *bytes.Buffer, level LogLevel) *basicLogger {
	return &basicLogger{
		prefix: "root",
		prefixC: "root: ",
		level:  level,
		out:    log.New(buf, "", 0),
	}
}

func TestLogfFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LogLevelWarning)

	l.DLogf("debug line, should not appear")
	if buf.Len() != 0 {
		t.Fatalf("debug line should have been filtered at warning level, got %q", buf.String())
	}

	l.WLogf("warning line %d", 1)
	if !strings.Contains(buf.String(), "warning line 1") {
		t.Fatalf("got %q", buf.String())
	}
}

func TestLogfSilentSuppressesEverythingButFatal(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LogLevelTrace)
	l.disabled = true

	l.ILogf("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("silent logger should suppress non-fatal lines, got %q", buf.String())
	}
}

func TestForkNestsPrefix(t *testing.T) {
	var buf bytes.Buffer
	root := newBufferedLogger(&buf, LogLevelInfo)

	child := root.Fork("channel")
	if child.Prefix() != "root: channel" {
		t.Fatalf("got prefix %q, want %q", child.Prefix(), "root: channel")
	}

	grandchild := child.Fork("conn-%d", 7)
	if grandchild.Prefix() != "root: channel: conn-7" {
		t.Fatalf("got prefix %q, want %q", grandchild.Prefix(), "root: channel: conn-7")
	}
}

func TestErrorfReturnsPrefixedError(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LogLevelInfo)

	err := l.Errorf("bad thing: %s", "oops")
	if err.Error() != "root: bad thing: oops" {
		t.Fatalf("got %q", err.Error())
	}
	// Errorf must not itself write to the log sink; only Logf does.
	if buf.Len() != 0 {
		t.Fatalf("Errorf should not log, got %q", buf.String())
	}
}

func TestVerbosityToLogLevel(t *testing.T) {
	cases := []struct {
		v    int
		want LogLevel
	}{
		{-1, LogLevelInfo},
		{0, LogLevelInfo},
		{1, LogLevelDebug},
		{2, LogLevelTrace},
		{5, LogLevelTrace},
	}
	for _, c := range cases {
		if got := VerbosityToLogLevel(c.v); got != c.want {
			t.Fatalf("VerbosityToLogLevel(%d) = %s, want %s", c.v, got, c.want)
		}
	}
}
