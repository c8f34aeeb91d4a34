package nbd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Address
	}{
		{"TCP", "nbd://example.com:10810/disk", Address{Network: "tcp", Addr: "example.com:10810", Export: "disk"}},
		{"TCPDefaultPort", "nbd://example.com", Address{Network: "tcp", Addr: "example.com:10809"}},
		{"IPv6", "nbd://[::1]:2000/sda", Address{Network: "tcp", Addr: "[::1]:2000", Export: "sda"}},
		{"Unix", "nbd+unix:///disk?socket=/run/nbd.sock", Address{Network: "unix", Addr: "/run/nbd.sock", Export: "disk"}},
		{"UnixDefaultExport", "nbd+unix:///?socket=/run/nbd.sock", Address{Network: "unix", Addr: "/run/nbd.sock"}},
		{"Legacy", "nbd:unix:/run/nbd.sock:exportname=sdb", Address{Network: "unix", Addr: "/run/nbd.sock", Export: "sdb"}},
		{"LegacyNoExport", "nbd:unix:/run/nbd.sock", Address{Network: "unix", Addr: "/run/nbd.sock"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseURLErrors(t *testing.T) {
	for _, raw := range []string{
		"file:///var/tmp/disk",
		"nbd:///disk",
		"nbd+unix:///disk",
		"nbd:unix::exportname=x",
		"nbd://%zz",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseURL(raw)
			assert.Error(t, err)
		})
	}
}
