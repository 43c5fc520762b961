package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/monetdb-go/mapi/pkg/mapierrors"
)

func TestConnectTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go acceptAndEcho(ln)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port := mustAtoi(t, portStr)

	tr := New()
	conn, meta, err := tr.Connect(context.Background(), Config{Host: host, Port: port, ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if meta.Network != "tcp" {
		t.Errorf("Network = %q, want tcp", meta.Network)
	}
}

func TestConnectUnixSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "mapi.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go acceptAndEcho(ln)

	tr := New()
	conn, meta, err := tr.Connect(context.Background(), Config{UnixSocket: sockPath, ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if meta.Network != "unix" {
		t.Errorf("Network = %q, want unix", meta.Network)
	}
}

func TestConnectValidatesConfig(t *testing.T) {
	tr := New()
	_, _, err := tr.Connect(context.Background(), Config{})
	if err == nil {
		t.Fatalf("expected validation error for empty config")
	}
}

func TestConnectTLSWithMatchingFingerprint(t *testing.T) {
	cert, certDER := generateSelfSignedCert(t, "localhost")

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpnProtocol},
	})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	defer ln.Close()
	go acceptAndEcho(ln)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port := mustAtoi(t, portStr)

	sum := sha1.Sum(certDER)
	fp := hex.EncodeToString(sum[:])

	tr := New()
	conn, meta, err := tr.Connect(context.Background(), Config{
		Host: host, Port: port, ConnectTimeout: time.Second,
		TLS: TLSOptions{Enabled: true, ServerName: "localhost", Fingerprint: fp},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if meta.TLSVersion != "TLS 1.3" {
		t.Errorf("TLSVersion = %q, want TLS 1.3", meta.TLSVersion)
	}
	if meta.ALPNProtocol != alpnProtocol {
		t.Errorf("ALPNProtocol = %q, want %q", meta.ALPNProtocol, alpnProtocol)
	}
}

func TestConnectTLSWithMismatchedFingerprintFails(t *testing.T) {
	cert, _ := generateSelfSignedCert(t, "localhost")

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpnProtocol},
	})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	defer ln.Close()
	go acceptAndEcho(ln)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port := mustAtoi(t, portStr)

	tr := New()
	_, _, err = tr.Connect(context.Background(), Config{
		Host: host, Port: port, ConnectTimeout: time.Second,
		TLS: TLSOptions{Enabled: true, ServerName: "localhost", Fingerprint: "deadbeef"},
	})
	if err == nil {
		t.Fatalf("expected fingerprint mismatch error")
	}
	if !mapierrors.Is(err, mapierrors.KindInterface) {
		t.Fatalf("err kind = %v, want Interface: %v", err, err)
	}
}

func acceptAndEcho(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, 256)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					c.Write(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}(conn)
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			t.Fatalf("not a port number: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func generateSelfSignedCert(t *testing.T, host string) (tls.Certificate, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{host},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return cert, der
}
