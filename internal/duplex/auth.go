package duplex

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jeelkantaria/gelclient/internal/config"
	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// alpnProtocol is the ALPN protocol name negotiated during the TLS
// handshake (spec §4.5 step 1).
const alpnProtocol = "edgedb-binary"

const (
	clientHandshakeTag = 0x56
	serverKeyDataTag   = 0x4B
	parameterStatusTag = 0x53
	readyForCommandTag = 0x5A
)

// DialError classifies which phase of Dial failed, so the root Client
// can distinguish a network/TLS failure (gelclient.ConnectionError)
// from a rejected handshake (gelclient.AuthenticationError) without
// duplex needing to import the root package (which imports duplex).
type DialError struct {
	Phase string // "network", "tls", or "auth"
	Err   error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("duplex: %s: %v", e.Phase, e.Err)
}
func (e *DialError) Unwrap() error { return e.Err }

// AuthenticatedConn is the outcome of a successful Dial+Authenticate:
// a running Duplexer plus the parameters the server reported about
// itself during the handshake.
type AuthenticatedConn struct {
	Duplexer                  *Duplexer
	ServerKey                 [32]byte
	SuggestedPoolConcurrency  int
	ParameterStatus           map[string][]byte
}

// Dial opens a TCP connection to p.Address(), wraps it in TLS per
// p.TLSSecurity, and runs the Authenticator sequence (spec §4.5). On
// any failure it closes the connection and returns a *DialError naming
// the failed phase; internal/conn passes it through unchanged and the
// root gelclient package maps it to a ConnectionError or
// AuthenticationError.
func Dial(ctx context.Context, p config.ConnectionParameters, dialTimeout time.Duration) (*AuthenticatedConn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", p.Address())
	if err != nil {
		return nil, &DialError{Phase: "network", Err: fmt.Errorf("dial %s: %w", p.Address(), err)}
	}

	tlsConf, err := buildTLSConfig(p)
	if err != nil {
		raw.Close()
		return nil, &DialError{Phase: "tls", Err: err}
	}

	tlsConn := tls.Client(raw, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &DialError{Phase: "tls", Err: fmt.Errorf("TLS handshake: %w", err)}
	}

	d := New(tlsConn, nil)
	ac, err := authenticate(ctx, d, p)
	if err != nil {
		d.Close()
		return nil, &DialError{Phase: "auth", Err: err}
	}
	return ac, nil
}

func buildTLSConfig(p config.ConnectionParameters) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: p.Host,
		NextProtos: []string{alpnProtocol},
	}

	switch p.TLSSecurity {
	case config.TLSInsecure:
		conf.InsecureSkipVerify = true
	case config.TLSNoHostVerification:
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = verifyChainIgnoringHostname(p.CACertPath)
	case config.TLSStrict:
		if p.CACertPath != "" {
			cw, err := caWatcherFor(p.CACertPath)
			if err != nil {
				return nil, err
			}
			conf.RootCAs = cw.Pool()
		}
	default:
		return nil, fmt.Errorf("duplex: unknown TLS security mode %d", p.TLSSecurity)
	}
	return conf, nil
}

var (
	caWatchersMu sync.Mutex
	caWatchers   = map[string]*CAWatcher{}
)

// caWatcherFor returns the long-lived CAWatcher for path, starting one
// on first use and reusing it for every later dial against the same
// CA bundle. This is what makes CACertPath a *watched* file (spec
// §4.5, config.ConnectionParameters.CACertPath doc): the fsnotify
// watch started here outlives any single Dial call, so a cert pool
// rotated on disk is already loaded by the time the next connection
// dials in, with no need to restart the process.
func caWatcherFor(path string) (*CAWatcher, error) {
	caWatchersMu.Lock()
	defer caWatchersMu.Unlock()
	if cw, ok := caWatchers[path]; ok {
		return cw, nil
	}
	cw, err := NewCAWatcher(path, nil)
	if err != nil {
		return nil, err
	}
	caWatchers[path] = cw
	return cw, nil
}

// verifyChainIgnoringHostname validates the certificate chain against
// the system trust store (plus an optional watched CA bundle) while
// skipping hostname verification, the behavior TLSNoHostVerification
// asks for.
func verifyChainIgnoringHostname(caCertPath string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("duplex: no certificate presented")
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if caCertPath != "" {
			if cw, err := caWatcherFor(caCertPath); err == nil {
				pool = cw.Pool()
			}
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("duplex: parsing server certificate: %w", err)
		}
		_, err = cert.Verify(x509.VerifyOptions{Roots: pool})
		return err
	}
}

// authenticate runs spec §4.5's handshake over an already-dialed,
// already-TLS-wrapped Duplexer.
func authenticate(ctx context.Context, d *Duplexer, p config.ConnectionParameters) (*AuthenticatedConn, error) {
	d.SetPhase(Authenticating)

	hs := protocol.NewWriter()
	hs.PutI16(1) // major
	hs.PutI16(0) // minor
	hs.PutU16(2) // param count
	hs.PutString("user")
	hs.PutString(p.Username)
	hs.PutString("database")
	hs.PutString(p.Database)
	hs.PutU16(0) // extensions count

	msg, err := d.SendAndWait(ctx, clientHandshakeTag, hs.Bytes(), isAuthStatus(authSASL))
	if err != nil {
		return nil, fmt.Errorf("duplex: authentication: %w", err)
	}

	mechList, err := authStatusPayload(msg)
	if err != nil {
		return nil, err
	}

	if err := runSCRAM(ctx, d, p.Username, p.Password, mechList); err != nil {
		return nil, err
	}

	// The SCRAM final-response wait above already consumed
	// AuthenticationSASLFinal; now wait for AuthenticationOK.
	okMsg, err := awaitOnce(ctx, d, isAuthStatus(authOK))
	if err != nil {
		return nil, fmt.Errorf("duplex: awaiting AuthenticationOK: %w", err)
	}
	_ = okMsg

	ac := &AuthenticatedConn{Duplexer: d, ParameterStatus: map[string][]byte{}}

	for {
		msg, err := awaitOnce(ctx, d, func(m protocol.Message) bool {
			return m.Tag == serverKeyDataTag || m.Tag == parameterStatusTag || m.Tag == readyForCommandTag
		})
		if err != nil {
			return nil, fmt.Errorf("duplex: awaiting post-auth handshake: %w", err)
		}
		switch msg.Tag {
		case serverKeyDataTag:
			copy(ac.ServerKey[:], msg.Payload)
		case parameterStatusTag:
			name, value, perr := parseParameterStatus(msg.Payload)
			if perr != nil {
				return nil, perr
			}
			ac.ParameterStatus[name] = value
			if name == "suggested_pool_concurrency" {
				fmt.Sscanf(string(value), "%d", &ac.SuggestedPoolConcurrency)
			}
		case readyForCommandTag:
			d.SetPhase(Ready)
			return ac, nil
		}
	}
}

// parseParameterStatus reads a ParameterStatus payload: name, value
// both string-length-prefixed.
func parseParameterStatus(payload []byte) (name string, value []byte, err error) {
	r := protocol.NewReader(payload)
	name, err = r.String()
	if err != nil {
		return "", nil, fmt.Errorf("duplex: malformed ParameterStatus: %w", err)
	}
	value, err = r.LenBytes()
	if err != nil {
		return "", nil, fmt.Errorf("duplex: malformed ParameterStatus: %w", err)
	}
	return name, value, nil
}

// awaitOnce waits for the next message matching predicate among those
// the server sends unprompted during and after authentication.
func awaitOnce(ctx context.Context, d *Duplexer, predicate func(protocol.Message) bool) (protocol.Message, error) {
	return d.Await(ctx, predicate)
}
