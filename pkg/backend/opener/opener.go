// Package opener resolves ticket URLs to backend implementations.
package opener

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/backend/file"
	"github.com/marmos91/imageiod/pkg/backend/nbd"
	"github.com/marmos91/imageiod/pkg/backend/proxy"
	"github.com/marmos91/imageiod/pkg/backend/s3"
)

// Config holds per-backend configuration.
type Config struct {
	File  file.Config
	NBD   nbd.Config
	Proxy proxy.Config
	S3    s3.Config
}

// DefaultConfig returns the defaults of every backend.
func DefaultConfig() Config {
	return Config{
		File:  file.DefaultConfig(),
		NBD:   nbd.DefaultConfig(),
		Proxy: proxy.DefaultConfig(),
		S3:    s3.DefaultConfig(),
	}
}

// Opener opens backends by URL scheme.
type Opener struct {
	cfg Config
}

// New creates an Opener.
func New(cfg Config) *Opener {
	return &Opener{cfg: cfg}
}

// Scheme returns the backend kind serving rawURL: "file", "nbd", "http" or
// "s3". It fails with backend.ErrUnknownScheme for anything else.
func Scheme(rawURL string) (string, error) {
	if strings.HasPrefix(rawURL, "nbd:unix:") {
		return "nbd", nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrUnknownScheme, err)
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return "", fmt.Errorf("%w: file url %q has no path", backend.ErrUnknownScheme, rawURL)
		}
		return "file", nil
	case "nbd", "nbd+unix":
		return "nbd", nil
	case "http", "https":
		return "http", nil
	case "s3":
		return "s3", nil
	default:
		return "", fmt.Errorf("%w: %q", backend.ErrUnknownScheme, u.Scheme)
	}
}

// Open opens the resource named by rawURL.
func (o *Opener) Open(ctx context.Context, rawURL string, mode backend.Mode) (backend.Backend, error) {
	kind, err := Scheme(rawURL)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "file":
		u, _ := url.Parse(rawURL)
		return opened(file.Open(u.Path, mode, o.cfg.File))
	case "nbd":
		return opened(nbd.Open(ctx, rawURL, mode, o.cfg.NBD))
	case "http":
		return opened(proxy.Open(ctx, rawURL, mode, o.cfg.Proxy))
	default:
		return opened(s3.Open(ctx, rawURL, mode, o.cfg.S3))
	}
}

// opened keeps a nil implementation pointer from becoming a non-nil
// interface.
func opened[B backend.Backend](b B, err error) (backend.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}
