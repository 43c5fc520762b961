// Package target describes the resolved connection configuration a
// Connection is opened against: host/port or Unix socket, credentials,
// TLS options, and the handful of session options negotiated during
// login. It also carries the minimal URL parsing the core needs to
// apply a server-issued redirect to an existing Target; full grammar
// for caller-supplied connection strings is out of scope (spec.md §1)
// and lives elsewhere.
package target

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/monetdb-go/mapi/pkg/mapierrors"
)

// Proxy describes an upstream forward proxy the Transport should tunnel
// through before reaching the real MAPI endpoint. Additive connectivity
// layered on a single dial, not a connection cache, so it doesn't
// conflict with the "no connection pooling" non-goal.
type Proxy struct {
	Type     string // "http", "https", "socks4", "socks5"
	Host     string
	Port     int
	Username string
	Password string
}

// Target is the resolved, immutable-after-validation connection
// configuration a Connection dials and authenticates against. Cloned on
// ingestion by NewConnection so the caller's copy is never aliased, and
// mutated in place by the redirect handler during the connect loop.
type Target struct {
	Host     string
	Port     int
	UnixSock string

	User     string
	Password string
	Database string

	// Language selects the sub-protocol spoken after login; "sql" unless
	// overridden, "control" for a raw control connection that skips
	// login entirely.
	Language string

	ConnectTimeout time.Duration

	UseTLS            bool
	CertPath          string
	ClientKeyPath     string
	ClientCertPath    string
	ClientKeyPassword string
	Fingerprint       string

	// DangerousTLSNocheck names verification steps to skip: "host"
	// disables hostname verification, "cert" disables chain
	// verification. Ignored once Fingerprint is set.
	DangerousTLSNocheck map[string]bool

	Autocommit  bool
	ReplySize   int
	MaxPrefetch int
	BinaryLevel int
	Schema      string
	Timezone    string

	Proxy *Proxy
}

// New returns a Target with the documented defaults applied.
func New() *Target {
	return &Target{
		Language:       "sql",
		ConnectTimeout: 10 * time.Second,
		Autocommit:     true,
	}
}

// Clone deep-copies t so that mutation by the redirect handler, or by a
// future caller reusing the struct, never aliases the original.
func (t *Target) Clone() *Target {
	if t == nil {
		return nil
	}
	clone := *t

	if t.DangerousTLSNocheck != nil {
		clone.DangerousTLSNocheck = make(map[string]bool, len(t.DangerousTLSNocheck))
		for k, v := range t.DangerousTLSNocheck {
			clone.DangerousTLSNocheck[k] = v
		}
	}
	if t.Proxy != nil {
		p := *t.Proxy
		clone.Proxy = &p
	}
	return &clone
}

// ParseURL applies a server-issued "mapi:monetdb://..." redirect to t,
// overwriting every connection-relevant field the URL carries. Only the
// exact shape MonetDB emits needs to be understood here:
//
//	mapi:monetdb://[user[:password]@]host[:port]/database[?query]
//
// Query parameters, when present, may override language/schema via
// "language=" and "schema=" keys; anything else is ignored.
func (t *Target) ParseURL(redirect string) error {
	const prefix = "mapi:monetdb://"
	if !strings.HasPrefix(redirect, prefix) {
		return mapierrors.NewDataError("target.parseurl", "redirect does not start with "+prefix+": "+redirect)
	}

	u, err := url.Parse(strings.TrimPrefix(redirect, "mapi:"))
	if err != nil {
		return mapierrors.NewDataError("target.parseurl", "malformed redirect URL: "+err.Error())
	}

	host := u.Hostname()
	if host == "" {
		return mapierrors.NewDataError("target.parseurl", "redirect URL missing host: "+redirect)
	}
	t.Host = host
	t.UnixSock = ""

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return mapierrors.NewDataError("target.parseurl", "invalid port in redirect URL: "+portStr)
		}
		t.Port = port
	}

	if u.User != nil {
		t.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			t.Password = pw
		}
	}

	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		t.Database = db
	}

	q := u.Query()
	if lang := q.Get("language"); lang != "" {
		t.Language = lang
	}
	if schema := q.Get("schema"); schema != "" {
		t.Schema = schema
	}

	return nil
}

// ParseMerovingianURL applies a "mapi:merovingian:..." continuation: the
// socket stays open and at most the database changes, since the same
// merovingian front-end is still on the other end; credentials are left
// as they are. MonetDB's merovingian emits either a bare "proceed" token (retry
// the exact same target) or a trailing "/database" segment naming the
// backend to reattach to.
func (t *Target) ParseMerovingianURL(redirect string) error {
	const prefix = "mapi:merovingian:"
	if !strings.HasPrefix(redirect, prefix) {
		return mapierrors.NewDataError("target.parsemerovingian", "redirect does not start with "+prefix+": "+redirect)
	}

	rest := strings.TrimPrefix(redirect, prefix)
	rest = strings.TrimSpace(rest)
	if rest == "" || rest == "proceed" {
		return nil
	}

	if idx := strings.LastIndex(rest, "/"); idx >= 0 {
		if db := rest[idx+1:]; db != "" {
			t.Database = db
		}
		return nil
	}

	return mapierrors.NewDataError("target.parsemerovingian", "unrecognized merovingian continuation: "+redirect)
}

// HandshakeOption is a single client-selectable feature negotiated
// inline with login (spec.md §4.D). If Level is below the server's
// advertised options level it is serialized into the login line and
// Sent is set; otherwise the Connection FSM invokes Fallback once login
// completes, issuing the returned textual command.
type HandshakeOption struct {
	Level    int
	Name     string
	Value    int
	Fallback func(value int) string
	Sent     bool
}
