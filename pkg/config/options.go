package config

import (
	"github.com/marmos91/imageiod/pkg/backend/file"
	"github.com/marmos91/imageiod/pkg/backend/nbd"
	"github.com/marmos91/imageiod/pkg/backend/opener"
	"github.com/marmos91/imageiod/pkg/backend/proxy"
	"github.com/marmos91/imageiod/pkg/backend/s3"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// TicketOptions returns the registry options.
func (c *Config) TicketOptions() ticket.Options {
	return ticket.Options{
		MaxConnections:    c.Daemon.MaxConnections,
		InactivityTimeout: c.Daemon.InactivityTimeout,
	}
}

// OpenerConfig returns the backend configuration.
func (c *Config) OpenerConfig() opener.Config {
	b := c.Backends
	return opener.Config{
		File: file.Config{
			BufferSize: b.File.BufferSize.Int(),
		},
		NBD: nbd.Config{
			BufferSize: b.NBD.BufferSize.Int(),
			Timeout:    b.NBD.Timeout,
		},
		Proxy: proxy.Config{
			BufferSize:         b.HTTP.BufferSize.Int(),
			Timeout:            b.HTTP.Timeout,
			CAFile:             b.HTTP.CAFile,
			InsecureSkipVerify: b.HTTP.InsecureSkipVerify,
		},
		S3: s3.Config{
			BufferSize:      b.S3.BufferSize.Int(),
			Region:          b.S3.Region,
			Endpoint:        b.S3.Endpoint,
			ForcePathStyle:  b.S3.ForcePathStyle,
			AccessKeyID:     b.S3.AccessKeyID,
			SecretAccessKey: b.S3.SecretAccessKey,
			MaxRetries:      s3.DefaultConfig().MaxRetries,
		},
	}
}
