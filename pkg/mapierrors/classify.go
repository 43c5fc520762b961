package mapierrors

import "strings"

// sqlStateKinds maps the handful of SQLSTATE codes the server is known to
// emit on the control connection to a Kind; any other code falls back to
// KindOperational in Classify. Mirrors the `errors` dict in the original client's
// handle_error routine.
var sqlStateKinds = map[string]Kind{
	"42S02": KindOperational,
	"40002": KindIntegrity,
	"2D000": KindIntegrity,
	"40000": KindIntegrity,
	"M0M29": KindIntegrity,
}

// Classify turns a raw server error line (as found after the '!' marker,
// with any "SQLException:" wrapper still attached) into a typed Error.
// It strips the leading "SQLException:" prefix MonetDB adds when the
// error originated inside a stored procedure, then looks up the
// 5-character SQLSTATE code at the front of what remains.
func Classify(line string) *Error {
	line = stripSQLExceptionPrefix(line)

	var state string
	if len(line) >= 5 {
		state = line[:5]
	}

	kind, ok := sqlStateKinds[state]
	if !ok {
		kind = KindOperational
	}

	e := newErr(kind, "cmd", line, nil)
	e.SQLState = state
	return e
}

// stripSQLExceptionPrefix removes the "SQLException:<func>:" wrapper
// MonetDB prepends to errors raised deep inside the server: only when
// the line starts with the literal "SQLException:" does it look for the
// next ':' at or after index 14 and drop everything up to 10 bytes past
// it, leaving the SQLSTATE code at the front of what remains.
func stripSQLExceptionPrefix(line string) string {
	const prefix = "SQLException:"
	if len(line) < 14 || line[:len(prefix)] != prefix {
		return line
	}
	rel := strings.Index(line[14:], ":")
	if rel < 0 {
		return line
	}
	idx := rel + 14
	if idx+10 > len(line) {
		return line
	}
	return line[idx+10:]
}
