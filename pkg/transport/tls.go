package transport

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"hash"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/monetdb-go/mapi/pkg/mapierrors"
)

// alpnProtocol is the single ALPN protocol MonetDB speaks on its control
// connection.
const alpnProtocol = "mapi/9"

func upgradeTLS(ctx context.Context, conn net.Conn, cfg Config, timeout time.Duration) (net.Conn, *ConnectionMetadata, error) {
	opts := cfg.TLS

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{alpnProtocol},
		ServerName: opts.ServerName,
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = cfg.Host
	}

	if opts.Fingerprint != "" {
		// A pinned fingerprint replaces chain and hostname verification
		// entirely: we still complete the handshake but defer trust to
		// VerifyPeerCertificate below, mirroring the original client's
		// behavior of skipping ssl.create_default_context() whenever a
		// fingerprint was supplied.
		tlsConfig.InsecureSkipVerify = true
	} else {
		if opts.DangerousTLSNocheck["cert"] {
			tlsConfig.InsecureSkipVerify = true
		}
		if opts.DangerousTLSNocheck["host"] && !opts.DangerousTLSNocheck["cert"] {
			tlsConfig.InsecureSkipVerify = true
			tlsConfig.VerifyPeerCertificate = verifyChainIgnoringHostname
		}
		if len(opts.CACertPEM) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(opts.CACertPEM) {
				return nil, nil, mapierrors.NewInterfaceError("tls", "", 0, fmt.Errorf("failed to parse CA certificate"))
			}
			tlsConfig.RootCAs = pool
		}
	}

	if len(opts.ClientCertPEM) > 0 && len(opts.ClientKeyPEM) > 0 {
		keyPEM, err := decryptKeyPEM(opts.ClientKeyPEM, opts.ClientKeyPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypting client key: %w", err)
		}
		cert, err := tls.X509KeyPair(opts.ClientCertPEM, keyPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing client certificate/key: %w", err)
		}
		tlsConfig.Certificates = append(tlsConfig.Certificates, cert)
	}

	tlsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, nil, err
	}

	if opts.Fingerprint != "" {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			return nil, nil, mapierrors.NewInterfaceError("tls", "", 0, fmt.Errorf("server presented no certificate to verify fingerprint against"))
		}
		if err := verifyFingerprint(state.PeerCertificates[0].Raw, opts.Fingerprint); err != nil {
			return nil, nil, err
		}
	}

	state := tlsConn.ConnectionState()
	meta := &ConnectionMetadata{
		TLSVersion:     tlsVersionName(state.Version),
		TLSCipherSuite: tls.CipherSuiteName(state.CipherSuite),
		ALPNProtocol:   state.NegotiatedProtocol,
	}
	return tlsConn, meta, nil
}

// decryptKeyPEM decrypts an RFC 1423 encrypted PEM private key block
// with password, returning keyPEM unchanged if it isn't encrypted or no
// password was configured. x509.IsEncryptedPEMBlock/DecryptPEMBlock are
// deprecated upstream (PKCS#1 encryption is weak) but remain the only
// stdlib path for the handful of legacy encrypted client keys MonetDB
// deployments still hand out.
func decryptKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return keyPEM, nil
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		return keyPEM, nil
	}
	if password == "" {
		return nil, fmt.Errorf("client key is encrypted but no client_key_password was configured")
	}
	der, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS13:
		return "TLS 1.3"
	case tls.VersionTLS12:
		return "TLS 1.2"
	default:
		return fmt.Sprintf("0x%04x", v)
	}
}

// verifyChainIgnoringHostname re-runs chain verification manually while
// skipping the hostname check crypto/tls's InsecureSkipVerify would
// otherwise also disable.
func verifyChainIgnoringHostname(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return mapierrors.NewInterfaceError("tls", "", 0, fmt.Errorf("no certificate presented"))
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		if ic, err := x509.ParseCertificate(raw); err == nil {
			intermediates.AddCert(ic)
		}
	}
	_, err = cert.Verify(x509.VerifyOptions{Intermediates: intermediates})
	return err
}

var fingerprintSpecRE = regexp.MustCompile(`(?:\{(\w+)\})?([0-9a-fA-F:]+)`)

// verifyFingerprint checks the DER-encoded certificate der against a
// comma-separated list of fingerprint specs, each optionally prefixed
// with "{algo}" (default sha1). It accepts on the first prefix match and,
// if none match, reports every computed digest so the caller can pin the
// right one.
func verifyFingerprint(der []byte, fingerprintSpec string) error {
	computed := map[string]string{}
	digestFor := func(algo string) (string, error) {
		if d, ok := computed[algo]; ok {
			return d, nil
		}
		var h hash.Hash
		switch strings.ToLower(algo) {
		case "sha1", "":
			h = sha1.New()
		case "sha256":
			h = sha256.New()
		default:
			return "", fmt.Errorf("unsupported fingerprint algorithm: %s", algo)
		}
		h.Write(der)
		d := hex.EncodeToString(h.Sum(nil))
		computed[algo] = d
		return d, nil
	}

	for _, spec := range strings.Split(fingerprintSpec, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		m := fingerprintSpecRE.FindStringSubmatch(spec)
		if m == nil {
			continue
		}
		algo := m[1]
		want := strings.ReplaceAll(strings.ToLower(m[2]), ":", "")

		digest, err := digestFor(algo)
		if err != nil {
			return mapierrors.NewInterfaceError("tls.fingerprint", "", 0, err)
		}
		if strings.HasPrefix(digest, want) {
			return nil
		}
	}

	var have []string
	for algo, digest := range computed {
		if algo == "" {
			algo = "sha1"
		}
		have = append(have, fmt.Sprintf("{%s}%s", algo, digest))
	}
	return mapierrors.NewInterfaceError("tls.fingerprint", "", 0,
		fmt.Errorf("certificate fingerprint did not match %q (computed: %s)", fingerprintSpec, strings.Join(have, ", ")))
}
