package duplex

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestCA(t *testing.T, path, commonName string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() = %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("rand.Int() = %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() = %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
}

func TestCAWatcherLoadsInitialBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	writeTestCA(t, path, "gelclient-ca-initial")

	cw, err := NewCAWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewCAWatcher() = %v", err)
	}
	defer cw.Close()

	if cw.Pool() == nil {
		t.Fatal("Pool() = nil after initial load")
	}
}

func TestCAWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	writeTestCA(t, path, "gelclient-ca-initial")

	cw, err := NewCAWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewCAWatcher() = %v", err)
	}
	defer cw.Close()

	initial := cw.Pool()

	writeTestCA(t, path, "gelclient-ca-rotated")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cw.Pool() != initial {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("CAWatcher did not reload the pool after the bundle file changed")
}

func TestCAWatcherForCachesByPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	writeTestCA(t, path, "gelclient-ca-cache")

	a, err := caWatcherFor(path)
	if err != nil {
		t.Fatalf("caWatcherFor() = %v", err)
	}
	b, err := caWatcherFor(path)
	if err != nil {
		t.Fatalf("caWatcherFor() = %v", err)
	}
	if a != b {
		t.Fatal("caWatcherFor() returned distinct watchers for the same path")
	}
}
