package mapi

import (
	"fmt"

	"github.com/monetdb-go/mapi/pkg/target"
)

// HandshakeOptionsProvider supplies the set of client-selectable
// features (spec.md §4.D) to negotiate during login, given the
// BINARY=N level the server's challenge advertised. Options whose Level
// is below the server's own options level are serialized into the login
// line; the rest are applied after login via their Fallback command.
type HandshakeOptionsProvider interface {
	Options(binaryLevel int) []*target.HandshakeOption
}

// HandshakeOptionsFunc adapts a plain function to HandshakeOptionsProvider.
type HandshakeOptionsFunc func(binaryLevel int) []*target.HandshakeOption

func (f HandshakeOptionsFunc) Options(binaryLevel int) []*target.HandshakeOption {
	return f(binaryLevel)
}

// DefaultHandshakeOptions negotiates reply_size and auto_commit, the two
// session options every MonetDB client sets up immediately after login
// (spec.md §6, "Commands of interest"). Both are sent inline when the
// server's options level allows it; otherwise the Connection issues the
// equivalent "Xreply_size"/"Xauto_commit" command once READY.
func DefaultHandshakeOptions(t *target.Target) HandshakeOptionsProvider {
	return HandshakeOptionsFunc(func(binaryLevel int) []*target.HandshakeOption {
		replySize := t.ReplySize
		if replySize == 0 {
			replySize = -1
		}
		autoCommit := 0
		if t.Autocommit {
			autoCommit = 1
		}

		return []*target.HandshakeOption{
			{
				Level: 0,
				Name:  "reply_size",
				Value: replySize,
				Fallback: func(v int) string {
					return fmt.Sprintf("Xreply_size %d", v)
				},
			},
			{
				Level: 0,
				Name:  "auto_commit",
				Value: autoCommit,
				Fallback: func(v int) string {
					return fmt.Sprintf("Xauto_commit %d", v)
				},
			},
		}
	})
}
