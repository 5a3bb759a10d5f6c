package wire

import "testing"

func TestSessionIdentityValidate(t *testing.T) {
	ok := SessionIdentity{ID: "s1", Passkey: make([]byte, 32)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("32-byte passkey should validate, got %s", err)
	}

	for _, n := range []int{0, 16, 31, 33, 64} {
		bad := SessionIdentity{ID: "s1", Passkey: make([]byte, n)}
		if err := bad.Validate(); err == nil {
			t.Fatalf("passkey length %d should be a fatal ConfigError", n)
		}
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{Host: "example.com", Port: 2022}
	if got, want := e.String(), "example.com:2022"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
