package nbd

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultPort is the IANA-assigned NBD port.
const DefaultPort = "10809"

// Address identifies an export on an NBD server.
type Address struct {
	Network string // "tcp" or "unix"
	Addr    string // host:port or socket path
	Export  string
}

func (a Address) String() string {
	if a.Network == "unix" {
		return fmt.Sprintf("nbd+unix:///%s?socket=%s", a.Export, a.Addr)
	}
	return fmt.Sprintf("nbd://%s/%s", a.Addr, a.Export)
}

// ParseURL parses an NBD URL. Supported forms:
//
//	nbd://host[:port][/export]
//	nbd+unix:///[export]?socket=/path
//	nbd:unix:/path[:exportname=export]
func ParseURL(raw string) (Address, error) {
	if rest, ok := strings.CutPrefix(raw, "nbd:unix:"); ok {
		path, export, _ := strings.Cut(rest, ":exportname=")
		if path == "" {
			return Address{}, fmt.Errorf("nbd: missing socket path in %q", raw)
		}
		return Address{Network: "unix", Addr: path, Export: export}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("nbd: parse %q: %w", raw, err)
	}
	export := strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "nbd":
		if u.Host == "" {
			return Address{}, fmt.Errorf("nbd: missing host in %q", raw)
		}
		host, port := u.Hostname(), u.Port()
		if port == "" {
			port = DefaultPort
		}
		return Address{Network: "tcp", Addr: net.JoinHostPort(host, port), Export: export}, nil
	case "nbd+unix":
		socket := u.Query().Get("socket")
		if socket == "" {
			return Address{}, fmt.Errorf("nbd: missing socket parameter in %q", raw)
		}
		return Address{Network: "unix", Addr: socket, Export: export}, nil
	default:
		return Address{}, fmt.Errorf("nbd: unsupported scheme %q", u.Scheme)
	}
}
