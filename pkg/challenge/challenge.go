// Package challenge implements the MAPI authentication handshake: parsing
// the server's challenge line and building the signed response line that
// proves knowledge of the account password without sending it in the
// clear.
package challenge

import (
	"strconv"
	"strings"

	"github.com/monetdb-go/mapi/pkg/mapierrors"
	"github.com/monetdb-go/mapi/pkg/target"
)

// Challenge is the parsed form of the line the server sends immediately
// after a connection is established:
//
//	salt:server_type:protocol:hashes:endian:pwhash_algo:options_level:BINARY=n:
type Challenge struct {
	Salt        string
	ServerType  string
	Protocol    string
	Hashes      []string
	Endian      string
	PwhashAlgo  string
	OptionsFlag string // e.g. "sql=6", present when len(fields) >= 7
	BinaryLevel int     // parsed from "BINARY=n", present when len(fields) >= 8
}

// Parse splits a raw challenge line into its fields. The original client
// requires the line to end in ':' (an empty trailing field) and to carry
// at least the first five colon-separated fields.
func Parse(line string) (*Challenge, error) {
	fields := strings.Split(line, ":")
	if len(fields) == 0 || fields[len(fields)-1] != "" {
		return nil, mapierrors.NewDataError("challenge", "malformed challenge: missing trailing ':'")
	}
	fields = fields[:len(fields)-1]

	if len(fields) < 5 {
		return nil, mapierrors.NewDataError("challenge", "malformed challenge: too few fields")
	}

	c := &Challenge{
		Salt:       fields[0],
		ServerType: fields[1],
		Protocol:   fields[2],
		Hashes:     strings.Split(fields[3], ","),
		Endian:     fields[4],
	}
	if len(fields) >= 6 {
		c.PwhashAlgo = fields[5]
	}
	if len(fields) >= 7 {
		c.OptionsFlag = fields[6]
	}
	if len(fields) >= 8 {
		if n, err := parseBinaryLevel(fields[7]); err == nil {
			c.BinaryLevel = n
		}
	}

	if c.Endian != "LIT" && c.Endian != "BIG" {
		return nil, mapierrors.NewNotSupportedError("challenge", "unsupported byte order: "+c.Endian)
	}
	if c.Protocol != "9" {
		return nil, mapierrors.NewNotSupportedError("challenge", "unsupported protocol version: "+c.Protocol)
	}

	return c, nil
}

func parseBinaryLevel(field string) (int, error) {
	const prefix = "BINARY="
	if !strings.HasPrefix(field, prefix) {
		return 0, mapierrors.NewDataError("challenge", "expected BINARY=n field")
	}
	return strconv.Atoi(strings.TrimPrefix(field, prefix))
}

// OptionsLevel returns the numeric level the server advertises support for
// handshake options at, parsed out of OptionsFlag ("sql=N"), or 0 if
// absent.
func (c *Challenge) OptionsLevel() int {
	const prefix = "sql="
	if !strings.HasPrefix(c.OptionsFlag, prefix) {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimPrefix(c.OptionsFlag, prefix))
	return n
}

// BuildResponse builds the login response line for t against challenge c,
// selecting the first of c.Hashes this client supports and hashing
// pwhash(password) + salt with it. Any handshake options whose Level is
// below the server's advertised OptionsLevel are serialized into a
// trailing FILETRANS segment and marked Sent; the rest are left for the
// caller to apply via their Fallback once login completes.
func BuildResponse(c *Challenge, t *target.Target, options []*target.HandshakeOption) (string, error) {
	pwhash, err := hashWith(c.PwhashAlgo, t.Password)
	if err != nil {
		return "", mapierrors.NewNotSupportedError("challenge", "unsupported password hash algorithm: "+c.PwhashAlgo)
	}

	var response string
	found := false
	for _, name := range c.Hashes {
		digest, err := hashWith(name, pwhash+c.Salt)
		if err != nil {
			continue
		}
		response = "{" + name + "}" + digest
		found = true
		break
	}
	if !found {
		return "", mapierrors.NewNotSupportedError("challenge", "no supported hash algorithm offered by server: "+strings.Join(c.Hashes, ","))
	}

	language := t.Language
	if language == "" {
		language = "sql"
	}

	line := "BIG:" + t.User + ":" + response + ":" + language + ":" + t.Database + ":"

	if c.OptionsFlag != "" {
		level := c.OptionsLevel()
		var opts []string
		for _, opt := range options {
			if opt.Level < level {
				opts = append(opts, opt.Name+"="+strconv.Itoa(opt.Value))
				opt.Sent = true
			}
		}
		line += "FILETRANS:" + strings.Join(opts, ",") + ":"
	}

	return line, nil
}
