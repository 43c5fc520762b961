// Package transport dials the socket a Connection speaks MAPI over: a Unix
// domain socket or a TCP connection, optionally wrapped in TLS and
// optionally tunneled through an upstream forward proxy. It does not pool
// or reuse connections; each Connect call produces one fresh socket owned
// by the caller.
package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/monetdb-go/mapi/pkg/mapierrors"
)

// TLSOptions configures the TLS wrap applied to a TCP connection.
type TLSOptions struct {
	Enabled bool

	// ServerName is used for SNI and, unless DangerousTLSNocheck["host"]
	// is set, hostname verification.
	ServerName string

	CACertPEM []byte

	ClientCertPEM     []byte
	ClientKeyPEM      []byte
	ClientKeyPassword string

	// Fingerprint, if non-empty, is a comma-separated list of
	// "{algo}hexdigits" (algo optional, defaults to sha1) specs; the
	// connection is accepted if the peer certificate's digest under any
	// listed algorithm starts with the given hex prefix.
	Fingerprint string

	// DangerousTLSNocheck names verification steps to skip: "host"
	// disables hostname verification, "cert" disables chain verification
	// entirely. Both are ignored once Fingerprint is set, matching the
	// original client's behavior of trusting the pinned fingerprint
	// instead of the certificate chain.
	DangerousTLSNocheck map[string]bool
}

// ProxyOptions describes an upstream forward proxy to tunnel through
// before reaching the real MAPI endpoint.
type ProxyOptions struct {
	Type     string // "http", "https", "socks4", "socks5"
	Host     string
	Port     int
	Username string
	Password string
}

// Config describes one dial attempt.
type Config struct {
	// UnixSocket, if set, is tried instead of Host/Port and TLS/Proxy are
	// ignored.
	UnixSocket string

	Host string
	Port int

	ConnectTimeout time.Duration

	TLS   TLSOptions
	Proxy *ProxyOptions
}

// ConnectionMetadata reports what actually happened during Connect, for
// logging and diagnostics. The Connection also reads Network to decide
// whether to send the TCP priming bytes.
type ConnectionMetadata struct {
	Network        string // "unix" or "tcp"
	ConnectedAddr  string
	TLSVersion     string
	TLSCipherSuite string
	ALPNProtocol   string
	ProxyUsed      bool
	ProxyAddr      string
}

// Transport dials connections. The zero value is ready to use.
type Transport struct {
	Resolver *net.Resolver
}

// New returns a Transport using the default resolver.
func New() *Transport {
	return &Transport{Resolver: net.DefaultResolver}
}

// Connect dials cfg and returns the established connection.
func (t *Transport) Connect(ctx context.Context, cfg Config) (net.Conn, *ConnectionMetadata, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if cfg.UnixSocket != "" {
		conn, err := t.dialUnix(dialCtx, cfg.UnixSocket)
		if err != nil {
			return nil, nil, err
		}
		return conn, &ConnectionMetadata{Network: "unix", ConnectedAddr: cfg.UnixSocket}, nil
	}

	addr, err := t.resolveAddress(dialCtx, cfg.Host, cfg.Port)
	if err != nil {
		return nil, nil, err
	}

	var conn net.Conn
	meta := &ConnectionMetadata{Network: "tcp"}

	if cfg.Proxy != nil {
		conn, err = t.connectViaProxy(dialCtx, cfg.Proxy, addr, timeout)
		if err != nil {
			return nil, nil, mapierrors.NewInterfaceError("dial.proxy", cfg.Host, cfg.Port, err)
		}
		meta.ProxyUsed = true
		meta.ProxyAddr = net.JoinHostPort(cfg.Proxy.Host, strconv.Itoa(cfg.Proxy.Port))
	} else {
		conn, err = t.dialTCP(dialCtx, addr)
		if err != nil {
			return nil, nil, mapierrors.NewInterfaceError("dial", cfg.Host, cfg.Port, err)
		}
	}
	meta.ConnectedAddr = addr

	if cfg.TLS.Enabled {
		tlsConn, tlsMeta, err := upgradeTLS(dialCtx, conn, cfg, timeout)
		if err != nil {
			conn.Close()
			return nil, nil, mapierrors.NewInterfaceError("tls", cfg.Host, cfg.Port, err)
		}
		conn = tlsConn
		meta.TLSVersion = tlsMeta.TLSVersion
		meta.TLSCipherSuite = tlsMeta.TLSCipherSuite
		meta.ALPNProtocol = tlsMeta.ALPNProtocol
	}

	return conn, meta, nil
}

func validateConfig(cfg Config) error {
	if cfg.UnixSocket != "" {
		return nil
	}
	if cfg.Host == "" {
		return mapierrors.NewOperationalError("validate", "host cannot be empty when unix socket is not set", nil)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return mapierrors.NewOperationalError("validate", "port must be between 1 and 65535", nil)
	}
	return nil
}

func (t *Transport) resolveAddress(ctx context.Context, host string, port int) (string, error) {
	resolver := t.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", mapierrors.NewInterfaceError("dns", host, port, err)
	}
	if len(addrs) == 0 {
		return "", mapierrors.NewInterfaceError("dns", host, port, errNoAddresses{})
	}
	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(port)), nil
}

type errNoAddresses struct{}

func (errNoAddresses) Error() string { return "no IP addresses found" }

func (t *Transport) dialUnix(ctx context.Context, path string) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, mapierrors.NewInterfaceError("dial.unix", path, 0, err)
	}
	return conn, nil
}

func (t *Transport) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
	}
	return conn, nil
}
