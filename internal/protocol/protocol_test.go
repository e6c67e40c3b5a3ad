package protocol

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		desc string
		in   string
		want Protocol
		err  error
	}{
		{"ssh", "ssh", SSH, nil},
		{"upper vless", "VLESS", VLESS, nil},
		{"padded trojan", "  trojan ", TROJAN, nil},
		{"wireguard", "wireguard", "", ErrUnsupported},
		{"empty", "", "", ErrUnsupported},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if !errors.Is(err, tt.err) {
			t.Errorf("%s: err = %v, want %v", tt.desc, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.desc, got, tt.want)
		}
	}
}

func TestUsesXray(t *testing.T) {
	if SSH.UsesXray() {
		t.Errorf("ssh must not use xray")
	}
	if !VLESS.UsesXray() || !TROJAN.UsesXray() {
		t.Errorf("vless and trojan must use xray")
	}
}
