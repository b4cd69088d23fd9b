package cert

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig("electrum.example.org")
	require.Equal(t, "electrum.example.org", cfg.ServerName)
	require.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)
	require.Nil(t, cfg.Certificates)
}
