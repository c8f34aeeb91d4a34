package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/imageiod/internal/tlsutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commonName(t *testing.T, r *Reloader) string {
	t.Helper()
	cert, err := r.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.Subject.CommonName
}

func TestReloader(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := tlstest.WriteSelfSigned(t, dir, "first")

	r, err := NewReloader(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, "first", commonName(t, r))

	tlstest.WriteSelfSigned(t, dir, "second")
	require.NoError(t, r.Reload())
	assert.Equal(t, "second", commonName(t, r))

	t.Run("FailedReloadKeepsCertificate", func(t *testing.T) {
		require.NoError(t, os.WriteFile(keyFile, []byte("garbage"), 0o600))
		assert.Error(t, r.Reload())
		assert.Equal(t, "second", commonName(t, r))
	})
}

func TestNewReloaderMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := NewReloader(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	assert.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := tlstest.WriteSelfSigned(t, dir, "before")

	r, err := NewReloader(certFile, keyFile)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// Give the watcher time to register before replacing the files.
	time.Sleep(100 * time.Millisecond)
	tlstest.WriteSelfSigned(t, dir, "after")

	assert.Eventually(t, func() bool {
		cert, _ := r.GetCertificate(nil)
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		return err == nil && leaf.Subject.CommonName == "after"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestServerConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := tlstest.WriteSelfSigned(t, dir, "server")
	r, err := NewReloader(certFile, keyFile)
	require.NoError(t, err)

	cfg, err := ServerConfig(Config{CertFile: certFile, KeyFile: keyFile}, r)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg, err = ServerConfig(Config{CertFile: certFile, KeyFile: keyFile, CAFile: certFile}, r)
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := tlstest.WriteSelfSigned(t, dir, "ca")

	cfg, err := ClientConfig("", false)
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)

	cfg, err = ClientConfig(certFile, true)
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = ClientConfig(filepath.Join(dir, "missing.pem"), false)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))
	_, err = ClientConfig(bad, false)
	assert.Error(t, err)
}
