// Package mapi implements the Connection FSM: the orchestrator that
// drives a MonetDB control connection through transport acquisition,
// the redirect loop, the login handshake, and the steady-state
// request/response cycle (spec.md §4.E). Every other package in this
// module (wire, transport, challenge, filetransfer, mapierrors, target)
// is a collaborator this one sequences.
package mapi

import (
	"context"
	"encoding/binary"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/monetdb-go/mapi/pkg/challenge"
	"github.com/monetdb-go/mapi/pkg/filetransfer"
	"github.com/monetdb-go/mapi/pkg/mapierrors"
	"github.com/monetdb-go/mapi/pkg/target"
	"github.com/monetdb-go/mapi/pkg/transport"
	"github.com/monetdb-go/mapi/pkg/wire"
)

// maxRedirects bounds the connect/redirect loop (spec.md §4.E step 2).
const maxRedirects = 10

// State is the lifecycle state of a Connection.
type State int

const (
	// StateInit means no socket, or a socket that has become unusable;
	// commands may not be issued.
	StateInit State = iota
	// StateReady means the handshake completed and commands may be
	// issued.
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "init"
}

// Connection is the stateful owner of a single socket speaking MAPI.
// Not safe for concurrent use by multiple goroutines; callers must
// serialize access (spec.md §5).
type Connection struct {
	target    *target.Target
	transport *transport.Transport

	conn   netConn
	framer *wire.Framer
	meta   *transport.ConnectionMetadata

	state        State
	isRawControl bool

	logger          logrus.FieldLogger
	fileHandler     filetransfer.Handler
	optionsProvider HandshakeOptionsProvider

	pendingOptions []*target.HandshakeOption
}

// netConn is the subset of net.Conn the Connection needs; defined
// locally so tests can supply net.Pipe() ends without importing net
// directly into this file's signatures.
type netConn interface {
	Write(p []byte) (int, error)
	Close() error
}

// ConnectionOption configures a Connection at construction time.
type ConnectionOption func(*Connection)

// WithLogger overrides the default logrus logger.
func WithLogger(l logrus.FieldLogger) ConnectionOption {
	return func(c *Connection) { c.logger = l }
}

// WithFileTransferHandler overrides the default filetransfer.SpoolingHandler.
func WithFileTransferHandler(h filetransfer.Handler) ConnectionOption {
	return func(c *Connection) { c.fileHandler = h }
}

// WithHandshakeOptions overrides the default reply_size/auto_commit
// negotiation, e.g. to add application-specific options.
func WithHandshakeOptions(p HandshakeOptionsProvider) ConnectionOption {
	return func(c *Connection) { c.optionsProvider = p }
}

// WithTransport overrides the Transport used to dial, e.g. in tests that
// need a fake resolver.
func WithTransport(tr *transport.Transport) ConnectionOption {
	return func(c *Connection) { c.transport = tr }
}

// NewConnection clones t (per spec.md §5, the caller's Target is never
// aliased) and returns a Connection in StateInit, ready for Connect.
func NewConnection(t *target.Target, opts ...ConnectionOption) *Connection {
	cloned := t.Clone()
	c := &Connection{
		target:          cloned,
		transport:       transport.New(),
		state:           StateInit,
		logger:          logrus.New(),
		fileHandler:     filetransfer.NewSpoolingHandler(0),
		optionsProvider: DefaultHandshakeOptions(cloned),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current lifecycle state.
func (c *Connection) State() State { return c.state }

// Meta reports diagnostics about the currently established socket, or
// nil if none is established.
func (c *Connection) Meta() *transport.ConnectionMetadata { return c.meta }

// Target returns the live Target this Connection mutates across
// redirects. Callers must not retain it past the next Connect call.
func (c *Connection) Target() *target.Target { return c.target }

func (c *Connection) logFields() logrus.Fields {
	return logrus.Fields{
		"host":     c.target.Host,
		"port":     c.target.Port,
		"database": c.target.Database,
	}
}

// Connect drives the connect sequence: discard any existing socket,
// then loop up to maxRedirects times dialing, priming, and attempting
// login, following server-issued redirects as they arrive.
func (c *Connection) Connect(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.framer = nil
	}
	c.state = StateInit
	c.isRawControl = false

	for i := 0; i < maxRedirects; i++ {
		if c.conn == nil {
			if err := c.dial(ctx); err != nil {
				return err
			}
		}

		if c.target.Language == "control" {
			c.isRawControl = true
			c.state = StateReady
			c.logger.WithFields(c.logFields()).Info("event=control_ready")
			return nil
		}

		if c.target.UnixSock != "" {
			if _, err := c.conn.Write([]byte{0x30}); err != nil {
				return mapierrors.NewInterfaceError("connect.prime_unix", c.target.Host, c.target.Port, err)
			}
		}

		ready, options, err := c.login(ctx)
		if err != nil {
			return err
		}
		if ready {
			c.state = StateReady
			c.pendingOptions = options
			c.logger.WithFields(c.logFields()).Info("event=login_ok")
			c.applyDeferredOptions(ctx)
			return nil
		}
		c.logger.WithFields(c.logFields()).Info("event=redirect")
	}

	return mapierrors.NewOperationalError("connect", "too many redirects", nil)
}

// dial acquires a fresh socket from the Transport for the current
// Target and applies the post-connect TLS priming (spec.md §4.B.1).
func (c *Connection) dial(ctx context.Context) error {
	tlsOpts, err := c.tlsOptions()
	if err != nil {
		return err
	}

	cfg := transport.Config{
		UnixSocket:     c.target.UnixSock,
		Host:           c.target.Host,
		Port:           c.target.Port,
		ConnectTimeout: c.target.ConnectTimeout,
		TLS:            tlsOpts,
	}
	if c.target.Proxy != nil {
		cfg.Proxy = &transport.ProxyOptions{
			Type:     c.target.Proxy.Type,
			Host:     c.target.Proxy.Host,
			Port:     c.target.Proxy.Port,
			Username: c.target.Proxy.Username,
			Password: c.target.Proxy.Password,
		}
	}

	conn, meta, err := c.transport.Connect(ctx, cfg)
	if err != nil {
		return err
	}

	c.conn = conn
	c.meta = meta
	c.framer = wire.NewFramer(conn)

	if meta.Network == "tcp" && !c.target.UseTLS {
		if _, err := conn.Write(make([]byte, 8)); err != nil {
			conn.Close()
			c.conn = nil
			c.framer = nil
			return mapierrors.NewInterfaceError("connect.prime_tcp", c.target.Host, c.target.Port, err)
		}
	}

	c.logger.WithFields(c.logFields()).WithField("network", meta.Network).Debug("event=dial_ok")
	return nil
}

// tlsOptions builds the Transport's TLSOptions from the Target,
// loading any on-disk cert/key material named by path. Trust anchors
// default to the system pool unless CertPath is set, "cert" isn't
// disabled, and no fingerprint is in play (spec.md §4.B.2).
func (c *Connection) tlsOptions() (transport.TLSOptions, error) {
	t := c.target
	opts := transport.TLSOptions{
		Enabled:             t.UseTLS,
		ServerName:          t.Host,
		Fingerprint:         t.Fingerprint,
		DangerousTLSNocheck: t.DangerousTLSNocheck,
		ClientKeyPassword:   t.ClientKeyPassword,
	}
	if !t.UseTLS {
		return opts, nil
	}

	if t.CertPath != "" && t.Fingerprint == "" && !t.DangerousTLSNocheck["cert"] {
		pem, err := os.ReadFile(t.CertPath)
		if err != nil {
			return opts, mapierrors.NewInterfaceError("tls.load_ca", t.Host, t.Port, err)
		}
		opts.CACertPEM = pem
	}

	if t.ClientKeyPath != "" {
		keyPEM, err := os.ReadFile(t.ClientKeyPath)
		if err != nil {
			return opts, mapierrors.NewInterfaceError("tls.load_client_key", t.Host, t.Port, err)
		}
		certPath := t.ClientCertPath
		if certPath == "" {
			certPath = t.ClientKeyPath
		}
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return opts, mapierrors.NewInterfaceError("tls.load_client_cert", t.Host, t.Port, err)
		}
		opts.ClientKeyPEM = keyPEM
		opts.ClientCertPEM = certPEM
	}

	return opts, nil
}

// login performs a single challenge/response exchange on the current
// socket. It returns ready=true once the server accepts the login
// (exposing any deferred handshake options for the caller to apply),
// or ready=false when the prompt was a redirect the caller should
// follow by looping Connect again. A server-reported error or a
// malformed prompt is returned as err and aborts the connect loop
// entirely.
func (c *Connection) login(ctx context.Context) (ready bool, options []*target.HandshakeOption, err error) {
	line, err := c.framer.ReadBlock()
	if err != nil {
		return false, nil, err
	}

	chal, err := challenge.Parse(string(line))
	if err != nil {
		return false, nil, err
	}

	credTarget := c.target
	if chal.ServerType == "merovingian" {
		credTarget = c.target.Clone()
		credTarget.User = "merovingian"
		credTarget.Password = ""
	}

	options = c.optionsProvider.Options(chal.BinaryLevel)
	response, err := challenge.BuildResponse(chal, credTarget, options)
	if err != nil {
		return false, nil, err
	}

	if err := c.framer.WriteBlock([]byte(response)); err != nil {
		return false, nil, err
	}

	prompt, err := c.framer.ReadBlock()
	if err != nil {
		return false, nil, err
	}
	promptStr := string(prompt)

	switch {
	case promptStr == "" || strings.HasPrefix(promptStr, wire.MsgOK):
		return true, options, nil

	case strings.HasPrefix(promptStr, wire.MsgInfo):
		c.logger.WithFields(c.logFields()).Info("event=login_info msg=" + promptStr)
		return true, options, nil

	case strings.HasPrefix(promptStr, wire.MsgError):
		return false, nil, mapierrors.NewDatabaseError("", strings.TrimPrefix(promptStr, wire.MsgError))

	case strings.HasPrefix(promptStr, wire.MsgRedirect):
		return c.handleRedirect(promptStr)

	default:
		return false, nil, mapierrors.NewProgrammingError("login", "unknown state")
	}
}

// handleRedirect applies a "^"-prefixed prompt: a merovingian
// continuation keeps the socket open and retries login against it; any
// other redirect is parsed as a URL, mutates the Target, and closes the
// socket for a fresh dial against the new endpoint (spec.md §9's
// resolved open question: always close for non-merovingian redirects).
func (c *Connection) handleRedirect(promptStr string) (bool, []*target.HandshakeOption, error) {
	body := strings.TrimPrefix(promptStr, wire.MsgRedirect)
	line := strings.SplitN(body, "\n", 2)[0]
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, "mapi:merovingian:") {
		if err := c.target.ParseMerovingianURL(line); err != nil {
			return false, nil, err
		}
		return false, nil, nil
	}

	if err := c.target.ParseURL(line); err != nil {
		return false, nil, err
	}
	c.conn.Close()
	c.conn = nil
	c.framer = nil
	return false, nil, nil
}

// applyDeferredOptions issues the fallback command for every handshake
// option the server's advertised level was too low to accept inline
// (spec.md §4.D).
func (c *Connection) applyDeferredOptions(ctx context.Context) {
	for _, opt := range c.pendingOptions {
		if opt.Sent || opt.Fallback == nil {
			continue
		}
		cmdStr := opt.Fallback(opt.Value)
		if cmdStr == "" {
			continue
		}
		if _, err := c.Cmd(ctx, cmdStr); err != nil {
			c.logger.WithFields(c.logFields()).WithError(err).Warn("event=handshake_fallback_failed option=" + opt.Name)
		}
	}
}

// Disconnect transitions to StateInit and closes the socket, if any.
func (c *Connection) Disconnect() {
	c.state = StateInit
	c.isRawControl = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.framer = nil
}

// Sabotage emits an intentionally malformed frame then closes the
// socket, forcing the server to abort whatever it was doing for this
// connection. I/O errors while sabotaging are swallowed, matching
// spec.md §4.E: the caller only cares that the connection becomes
// unusable afterward.
func (c *Connection) Sabotage() {
	if c.conn != nil {
		var hdr [2]byte
		binary.LittleEndian.PutUint16(hdr[:], uint16((wire.MaxChunk+1)<<1)|1)
		c.conn.Write(hdr[:])
		c.conn.Write([]byte("ERROR\x80ERROR"))
	}
	c.Disconnect()
}
