// Package cert holds the TLS configuration this library presents when
// dialing an Electrum server. Electrum servers authenticate themselves to
// the client via their certificate chain; the client never presents an
// identity of its own, so this package only builds the dial-side
// *tls.Config, unlike a server-facing cert package that would also load and
// mint certificates.
package cert

import (
	"crypto/tls"
)

// cipherSuites is the list of cipher suites accepted for TLS connections to
// Electrum servers. These fit the following criteria:
//   - Don't use outdated algorithms like SHA-1 and 3DES.
//   - Don't use ECB mode or other insecure symmetric methods.
//   - Included in the TLS v1.2 suite.
var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// DefaultTLSConfig returns the TLS configuration a Connection uses when
// dialing an Electrum server at the given hostname. The ServerName drives
// certificate validation; callers connecting to a server by bare IP with no
// usable SNI name should set InsecureSkipVerify themselves on the returned
// config, at their own risk.
func DefaultTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:   serverName,
		CipherSuites: cipherSuites,
		MinVersion:   tls.VersionTLS12,
	}
}
