// Package config holds the plain, validated value types the rest of this
// module is built from: ConnectionParameters and PoolOptions. Neither is
// ever parsed from a file or an environment variable here — resolving a
// DSN, a project file, a credentials file, or env-var precedence into a
// ConnectionParameters value is an explicit external-collaborator concern
// (see SPEC_FULL.md §1) that callers handle themselves before calling
// into this module.
package config

import (
	"fmt"
	"time"
)

// TLSSecurityMode controls how strictly the Authenticator validates the
// server's certificate during the TLS handshake.
type TLSSecurityMode uint8

const (
	// TLSInsecure skips certificate validation entirely.
	TLSInsecure TLSSecurityMode = iota
	// TLSNoHostVerification validates the certificate chain but not the
	// hostname it was issued for.
	TLSNoHostVerification
	// TLSStrict validates the full chain and hostname against the system
	// trust store plus any configured CA certificate.
	TLSStrict
)

func (m TLSSecurityMode) String() string {
	switch m {
	case TLSInsecure:
		return "insecure"
	case TLSNoHostVerification:
		return "no-host-verification"
	case TLSStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ConnectionParameters is the immutable record a Pool is built from:
// everything needed to dial, authenticate against, and address one
// server. Constructed once per pool (spec §3).
type ConnectionParameters struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string

	TLSSecurity TLSSecurityMode
	// CACertPath, if set, is a PEM bundle merged into the system trust
	// store for TLSStrict/TLSNoHostVerification validation. The file is
	// watched for changes; see internal/duplex/cawatch.go.
	CACertPath string
}

// Validate checks that the parameters are complete enough to dial.
func (p ConnectionParameters) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", p.Port)
	}
	if p.Username == "" {
		return fmt.Errorf("config: username is required")
	}
	if p.Database == "" {
		return fmt.Errorf("config: database is required")
	}
	if p.TLSSecurity > TLSStrict {
		return fmt.Errorf("config: unknown TLS security mode %d", p.TLSSecurity)
	}
	return nil
}

// Address returns the "host:port" dial target.
func (p ConnectionParameters) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// PoolOptions configures pool sizing and timeouts. Zero values fall back
// to DefaultPoolOptions' values via EffectivePoolOptions, mirroring the
// teacher's defaults-with-override shape (dbbouncer's
// TenantConfig.Effective*() accessors) without its file-driven config
// layer.
type PoolOptions struct {
	// MaxConnections bounds concurrent server use. Zero falls back to
	// DefaultPoolOptions.MaxConnections. Once the first connection
	// authenticates, the pool admits up to the larger of this value and
	// the server-suggested suggested_pool_concurrency (spec §4.8).
	MaxConnections int
	// MinConnections is the number of idle connections the idle reaper
	// leaves in place. The pool does not dial connections to reach it.
	MinConnections int
	// AcquireTimeout bounds how long Acquire waits on the admission
	// semaphore before failing.
	AcquireTimeout time.Duration
	// DialTimeout bounds the TCP+TLS dial.
	DialTimeout time.Duration
	// IdleTimeout reaps idle connections that sit unused this long,
	// never reaping below MinConnections.
	IdleTimeout time.Duration
	// MaxLifetime closes a connection once it has been open this long,
	// regardless of activity. Zero disables the lifetime cap.
	MaxLifetime time.Duration
}

// DefaultPoolOptions mirrors dbbouncer's built-in pool defaults, scaled
// down from a multi-tenant proxy to a single application pool.
var DefaultPoolOptions = PoolOptions{
	MaxConnections: 10,
	MinConnections: 0,
	AcquireTimeout: 30 * time.Second,
	DialTimeout:    10 * time.Second,
	IdleTimeout:    5 * time.Minute,
	MaxLifetime:    0,
}

// EffectivePoolOptions overlays zero fields of o with defaults' values.
func EffectivePoolOptions(o PoolOptions, defaults PoolOptions) PoolOptions {
	if o.MaxConnections == 0 {
		o.MaxConnections = defaults.MaxConnections
	}
	if o.MinConnections == 0 {
		o.MinConnections = defaults.MinConnections
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = defaults.AcquireTimeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = defaults.DialTimeout
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = defaults.IdleTimeout
	}
	if o.MaxLifetime == 0 {
		o.MaxLifetime = defaults.MaxLifetime
	}
	return o
}
