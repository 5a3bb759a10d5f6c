package etshare

import (
	"errors"
	"testing"
)

func TestFatalClassifiesErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err   error
		fatal bool
	}{
		{&ConfigError{Msg: "bad flag"}, true},
		{&ProtocolError{Msg: "unknown packet type"}, true},
		{&ConnectError{Attempt: 1, Err: errors.New("refused")}, false},
		{&TransportError{Err: errors.New("reset")}, false},
		{&LivenessError{}, false},
		{&ForwardError{Msg: "dial failed"}, false},
	}
	for _, c := range cases {
		if got := Fatal(c.err); got != c.fatal {
			t.Fatalf("Fatal(%T) = %v, want %v", c.err, got, c.fatal)
		}
	}
}

func TestErrorMessagesWrapUnderlyingError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := &ConnectError{Attempt: 2, Err: underlying}
	if !errors.Is(err, underlying) {
		t.Fatal("ConnectError should unwrap to the underlying error")
	}
	if got := err.Error(); got == "" {
		t.Fatal("Error() should not be empty")
	}
}

func TestConfigErrorWithoutUnderlyingError(t *testing.T) {
	err := &ConfigError{Msg: "missing host"}
	if err.Unwrap() != nil {
		t.Fatal("a ConfigError with no Err should unwrap to nil")
	}
	if err.Error() != "config error: missing host" {
		t.Fatalf("got %q", err.Error())
	}
}
