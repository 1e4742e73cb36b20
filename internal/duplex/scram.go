package duplex

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// SASL authentication subtypes carried in the first u32 of an
// AuthenticationStatus payload (spec §4.5).
const (
	authOK           = 0
	authSASL         = 10
	authSASLContinue = 11
	authSASLFinal    = 12
)

// runSCRAM performs the client-driven SCRAM-SHA-256 exchange (RFC
// 5802/7677) described in spec §4.5, steps 3-4. saslMechanismList is the
// AuthenticationRequiredSASLMessage's payload after the leading u32
// subtype: a list of mechanism names. Adapted almost line-for-line from
// the teacher's internal/pool/scram.go, re-expressed against this
// protocol's own message tags (AuthenticationSASLInitialResponse 0x70 /
// AuthenticationSASLResponse 0x72) instead of Postgres's 'p' password
// message, and driven through the Duplexer's waiter queue instead of
// direct net.Conn reads.
func runSCRAM(ctx context.Context, d *Duplexer, user, password string, saslMechanismList []byte) error {
	mechanisms := parseSASLMechanisms(saslMechanismList)
	if len(mechanisms) == 0 || mechanisms[0] != "SCRAM-SHA-256" {
		return fmt.Errorf("duplex: server's first offered SASL method is not SCRAM-SHA-256: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("duplex: generating SCRAM nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	initial := protocol.NewWriter()
	initial.PutString("SCRAM-SHA-256")
	initial.PutLenBytes([]byte(clientFirstMsg))

	msg, err := d.SendAndWait(ctx, clientAuthSASLInitialTag, initial.Bytes(), isAuthStatus(authSASLContinue))
	if err != nil {
		return fmt.Errorf("duplex: sending SCRAM initial response: %w", err)
	}

	serverFirstMsg, err := authStatusPayload(msg)
	if err != nil {
		return err
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("duplex: parsing SCRAM server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("duplex: SCRAM server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	final := protocol.NewWriter()
	final.PutLenBytes([]byte(clientFinalMsg))

	msg, err = d.SendAndWait(ctx, clientAuthSASLResponseTag, final.Bytes(), isAuthStatus(authSASLFinal))
	if err != nil {
		return fmt.Errorf("duplex: sending SCRAM final response: %w", err)
	}

	serverFinalMsg, err := authStatusPayload(msg)
	if err != nil {
		return err
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)

	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("duplex: SCRAM server signature mismatch")
	}
	return nil
}

// isAuthStatus returns a waiter predicate matching an AuthenticationStatus
// message (tag 0x52) whose leading u32 subtype equals want.
func isAuthStatus(want uint32) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		if msg.Tag != serverAuthStatusTag || len(msg.Payload) < 4 {
			return false
		}
		r := protocol.NewReader(msg.Payload)
		subtype, err := r.U32()
		return err == nil && subtype == want
	}
}

// authStatusPayload strips the leading u32 subtype from an
// AuthenticationStatus message, returning the subtype-specific payload.
func authStatusPayload(msg protocol.Message) ([]byte, error) {
	r := protocol.NewReader(msg.Payload)
	if _, err := r.U32(); err != nil {
		return nil, fmt.Errorf("duplex: malformed AuthenticationStatus: %w", err)
	}
	return r.Bytes(r.Len())
}

const (
	serverAuthStatusTag       = 0x52
	clientAuthSASLInitialTag  = 0x70
	clientAuthSASLResponseTag = 0x72
)

func parseSASLMechanisms(data []byte) []string {
	r := protocol.NewReader(data)
	var mechs []string
	for r.Len() > 0 {
		s, err := r.String()
		if err != nil {
			break
		}
		if s == "" {
			continue
		}
		mechs = append(mechs, s)
	}
	return mechs
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
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
