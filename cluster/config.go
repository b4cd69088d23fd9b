package cluster

import (
	"crypto/tls"
	"time"

	"github.com/lightninglabs/electrum/connection"
)

// Order selects how Request/Subscribe pick which peers to fan out to.
type Order int

const (
	// RANDOM picks a uniformly random available peer per selection slot.
	RANDOM Order = iota

	// PRIORITY picks the first available peer in registration order.
	PRIORITY
)

func (o Order) String() string {
	switch o {
	case PRIORITY:
		return "priority"
	default:
		return "random"
	}
}

// Config holds a Cluster's strategy and the per-peer Client settings used by
// every Client an AddServer call constructs.
type Config struct {
	App     string
	Version string

	// Confidence is the number of canonically-identical peer results
	// required to accept a quorum result. Must satisfy 1 <= Confidence
	// <= operational distribution.
	Confidence int

	// Distribution is the number of peers a request fans out to. Zero
	// means "no fan-out requested"; the operational minimum is
	// max(1, Distribution).
	Distribution int

	Order Order

	KeepAlive time.Duration
	Retry     time.Duration
	Timeout   time.Duration

	// TLSConfig, if set, is passed to every peer Client's Connection in
	// place of cert.DefaultTLSConfig(host). This is for deployments
	// against a private Electrum fleet sharing one trust root (or test
	// harnesses), where per-host system trust does not apply.
	TLSConfig *tls.Config
}

// DefaultConfig returns a Config with the library's default strategy:
// confidence 1, distribution 0 (operationally 1), RANDOM order, and the
// Connection package's default timings.
func DefaultConfig() *Config {
	return &Config{
		Confidence:   1,
		Distribution: 0,
		Order:        RANDOM,
		KeepAlive:    connection.DefaultKeepAlive,
		Retry:        connection.DefaultRetry,
		Timeout:      connection.DefaultTimeout,
	}
}

// Option configures a Cluster at construction time.
type Option func(*Config)

// WithConfidence overrides Confidence.
func WithConfidence(c int) Option {
	return func(cfg *Config) { cfg.Confidence = c }
}

// WithDistribution overrides Distribution.
func WithDistribution(d int) Option {
	return func(cfg *Config) { cfg.Distribution = d }
}

// WithOrder overrides Order.
func WithOrder(o Order) Option {
	return func(cfg *Config) { cfg.Order = o }
}

// WithKeepAlive overrides the keep-alive interval passed to every peer
// Client this Cluster constructs.
func WithKeepAlive(d time.Duration) Option {
	return func(cfg *Config) { cfg.KeepAlive = d }
}

// WithRetry stores the retry interval passed to every peer Client. As with
// connection.WithRetry, it is accepted but never acted upon.
func WithRetry(d time.Duration) Option {
	return func(cfg *Config) { cfg.Retry = d }
}

// WithTimeout overrides both the per-peer initial-connect timeout and the
// Cluster's own Ready wait budget.
func WithTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.Timeout = d }
}

// WithTLSConfig overrides the TLS configuration used to dial every peer.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *Config) { cfg.TLSConfig = tlsCfg }
}
