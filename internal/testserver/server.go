// Package testserver is a minimal in-process fake implementing just
// enough of the wire protocol to drive spec §8's end-to-end scenarios
// without a real server: the TLS+ALPN dial, a canned SCRAM-SHA-256
// exchange, and a canned Prepare/Execute/Sync reply (DescribeStatement
// is not answered).
//
// Grounded on dbbouncer/internal/proxy/server.go's Listen/accept-loop/
// Stop lifecycle (repurposed from "relay to a real backend" into
// "answer canned responses") and internal/duplex/scram_test.go's
// mockAuthBackend fixture, generalized here into a reusable harness so
// internal/conn and internal/pool tests can share it instead of each
// duplicating the SCRAM math.
package testserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// Script is the canned reply a Server gives to the one command it
// expects after authentication: a PrepareComplete cardinality/codec
// pair, then, on Execute, a sequence of raw Data payloads followed by
// CommandComplete.
type Script struct {
	Cardinality  uint8
	InCodecID    [16]byte
	OutCodecID   [16]byte
	Rows         [][]byte
	CommandTag   string
}

// Server is a single-listener, one-scenario-at-a-time fake: each
// accepted connection is authenticated against Username/Password and
// then served Script until the client disconnects.
type Server struct {
	Username string
	Password string
	Database string

	// SuggestedPoolConcurrency is reported via ParameterStatus after
	// authentication (spec §4.8 step 1).
	SuggestedPoolConcurrency int

	mu       sync.Mutex
	script   Script
	listener net.Listener
	tlsConf  *tls.Config
	wg       sync.WaitGroup
}

// New builds a Server with a fresh self-signed certificate for the
// "edgedb-binary" ALPN protocol. Callers dial it with
// config.TLSInsecure, since the certificate is not signed by any
// trusted root.
func New(username, password, database string) (*Server, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("testserver: generating certificate: %w", err)
	}
	return &Server{
		Username:                 username,
		Password:                 password,
		Database:                 database,
		SuggestedPoolConcurrency: 4,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"edgedb-binary"},
		},
	}, nil
}

// SetScript replaces the canned reply served to every subsequent
// connection's Prepare/Execute exchange.
func (s *Server) SetScript(sc Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = sc
}

// Start listens on 127.0.0.1:0 and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("testserver: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the numeric listening port.
func (s *Server) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Stop closes the listener; in-flight connections are abandoned.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(raw net.Conn) {
	defer raw.Close()

	tlsConn := tls.Server(raw, s.tlsConf)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("testserver: TLS handshake failed", "error", err)
		return
	}

	if err := s.authenticate(tlsConn); err != nil {
		slog.Error("testserver: authentication failed", "error", err)
		return
	}

	s.serveQueries(tlsConn)
}

// authenticate runs the server side of the spec §4.5 handshake:
// ClientHandshake, AuthenticationSASL/SCRAM-SHA-256, ServerKeyData,
// ParameterStatus, ReadyForCommand.
func (s *Server) authenticate(conn net.Conn) error {
	hs, err := protocol.ReadMessage(conn)
	if err != nil || hs.Tag != protocol.ClientClientHandshake {
		return fmt.Errorf("expected ClientHandshake, got tag=%v err=%v", hs.Tag, err)
	}

	saslStatus := protocol.NewWriter()
	saslStatus.PutU32(uint32(protocol.AuthSASL))
	saslStatus.PutString("SCRAM-SHA-256")
	if err := protocol.WriteMessage(conn, protocol.ServerAuthenticationStatus, saslStatus.Bytes()); err != nil {
		return err
	}

	initial, err := protocol.ReadMessage(conn)
	if err != nil || initial.Tag != protocol.ClientAuthenticationSASLInitial {
		return fmt.Errorf("expected SASLInitialResponse, got tag=%v err=%v", initial.Tag, err)
	}
	ir := protocol.NewReader(initial.Payload)
	mechanism, err := ir.String()
	if err != nil || mechanism != "SCRAM-SHA-256" {
		return fmt.Errorf("bad mechanism: %q err=%v", mechanism, err)
	}
	clientFirstMsg, err := ir.LenBytes()
	if err != nil {
		return fmt.Errorf("reading client-first-message: %w", err)
	}

	clientFirstBare := string(clientFirstMsg)[3:] // strip "n,,"
	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	serverNonce := clientNonce + "testserver-nonce"
	salt := []byte("testserver-salt!")
	iterations := 4096
	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)

	continueStatus := protocol.NewWriter()
	continueStatus.PutU32(uint32(protocol.AuthSASLContinue))
	continueStatus.PutBytes([]byte(serverFirstMsg))
	if err := protocol.WriteMessage(conn, protocol.ServerAuthenticationStatus, continueStatus.Bytes()); err != nil {
		return err
	}

	finalMsg, err := protocol.ReadMessage(conn)
	if err != nil || finalMsg.Tag != protocol.ClientAuthenticationSASLResponse {
		return fmt.Errorf("expected SASLResponse, got tag=%v err=%v", finalMsg.Tag, err)
	}
	fr := protocol.NewReader(finalMsg.Payload)
	clientFinalMsg, err := fr.LenBytes()
	if err != nil {
		return fmt.Errorf("reading client-final-message: %w", err)
	}

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(s.Password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	expectedProof := xorBytes(clientKey, clientSignature)
	expectedProofB64 := base64.StdEncoding.EncodeToString(expectedProof)

	if !strings.Contains(string(clientFinalMsg), "p="+expectedProofB64) {
		errStatus := protocol.NewWriter()
		errStatus.PutU8(80) // ERROR severity
		errStatus.PutU32(1)
		errStatus.PutString("authentication failed")
		errStatus.PutU16(0)
		protocol.WriteMessage(conn, protocol.ServerErrorResponse, errStatus.Bytes())
		return fmt.Errorf("client presented an invalid SCRAM proof")
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSig := hmacSHA256(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)

	finalStatus := protocol.NewWriter()
	finalStatus.PutU32(uint32(protocol.AuthSASLFinal))
	finalStatus.PutBytes([]byte(serverFinal))
	if err := protocol.WriteMessage(conn, protocol.ServerAuthenticationStatus, finalStatus.Bytes()); err != nil {
		return err
	}

	okStatus := protocol.NewWriter()
	okStatus.PutU32(uint32(protocol.AuthOK))
	if err := protocol.WriteMessage(conn, protocol.ServerAuthenticationStatus, okStatus.Bytes()); err != nil {
		return err
	}

	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	if err := protocol.WriteMessage(conn, protocol.ServerKeyData, key[:]); err != nil {
		return err
	}

	ps := protocol.NewWriter()
	ps.PutString("suggested_pool_concurrency")
	ps.PutLenBytes([]byte(fmt.Sprintf("%d", s.SuggestedPoolConcurrency)))
	if err := protocol.WriteMessage(conn, protocol.ServerParameterStatus, ps.Bytes()); err != nil {
		return err
	}

	return protocol.WriteMessage(conn, protocol.ServerReadyForCommand, nil)
}

// serveQueries answers every Prepare+Sync and Execute+Sync with the
// configured Script until the connection closes.
func (s *Server) serveQueries(conn net.Conn) {
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}

		s.mu.Lock()
		sc := s.script
		s.mu.Unlock()

		switch msg.Tag {
		case protocol.ClientSync:
			continue
		case protocol.ClientPrepare:
			pc := protocol.NewWriter()
			pc.PutU8(sc.Cardinality)
			pc.PutBytes(sc.InCodecID[:])
			pc.PutBytes(sc.OutCodecID[:])
			if err := protocol.WriteMessage(conn, protocol.ServerPrepareComplete, pc.Bytes()); err != nil {
				return
			}
			if err := protocol.WriteMessage(conn, protocol.ServerReadyForCommand, nil); err != nil {
				return
			}
		case protocol.ClientExecute:
			for _, row := range sc.Rows {
				if err := protocol.WriteMessage(conn, protocol.ServerData, row); err != nil {
					return
				}
			}
			tag := sc.CommandTag
			if tag == "" {
				tag = "OK"
			}
			if err := protocol.WriteMessage(conn, protocol.ServerCommandComplete, []byte(tag)); err != nil {
				return
			}
			if err := protocol.WriteMessage(conn, protocol.ServerReadyForCommand, nil); err != nil {
				return
			}
		case protocol.ClientTerminate:
			return
		}
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "gelclient-testserver"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
