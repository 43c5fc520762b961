package challenge

import (
	"strings"
	"testing"

	"github.com/monetdb-go/mapi/pkg/target"
)

func TestParseValidChallenge(t *testing.T) {
	line := "abcd1234:merovingian:9:SHA1,SHA256:LIT:SHA256:sql=6:BINARY=1:"
	c, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Salt != "abcd1234" || c.ServerType != "merovingian" || c.Protocol != "9" {
		t.Fatalf("got %+v", c)
	}
	if c.Endian != "LIT" {
		t.Fatalf("Endian = %q, want LIT", c.Endian)
	}
	if c.PwhashAlgo != "SHA256" {
		t.Fatalf("PwhashAlgo = %q, want SHA256", c.PwhashAlgo)
	}
	if c.OptionsLevel() != 6 {
		t.Fatalf("OptionsLevel() = %d, want 6", c.OptionsLevel())
	}
	if c.BinaryLevel != 1 {
		t.Fatalf("BinaryLevel = %d, want 1", c.BinaryLevel)
	}
}

func TestParseRejectsMissingTrailingColon(t *testing.T) {
	_, err := Parse("abcd:merovingian:9:SHA1:LIT")
	if err == nil {
		t.Fatalf("expected error for missing trailing colon")
	}
}

func TestParseRejectsBadEndian(t *testing.T) {
	_, err := Parse("abcd:merovingian:9:SHA1:MID:SHA256::")
	if err == nil {
		t.Fatalf("expected error for unsupported endianness")
	}
}

func TestParseRejectsWrongProtocolVersion(t *testing.T) {
	_, err := Parse("abcd:merovingian:8:SHA1:LIT:SHA256::")
	if err == nil {
		t.Fatalf("expected error for unsupported protocol version")
	}
}

func TestBuildResponseProducesExpectedShape(t *testing.T) {
	c, err := Parse("salt123:mserver:9:SHA256:LIT:SHA1::")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tg := &target.Target{User: "monetdb", Password: "monetdb", Database: "demo"}

	line, err := BuildResponse(c, tg, nil)
	if err != nil {
		t.Fatalf("BuildResponse: %v", err)
	}

	parts := strings.Split(line, ":")
	if parts[0] != "BIG" || parts[1] != "monetdb" || parts[4] != "demo" {
		t.Fatalf("unexpected response shape: %q", line)
	}
	if !strings.HasPrefix(parts[2], "{SHA256}") {
		t.Fatalf("response hash missing {SHA256} prefix: %q", parts[2])
	}
}

func TestBuildResponseSerializesHandshakeOptionsBelowLevel(t *testing.T) {
	c, err := Parse("salt:mserver:9:SHA1:LIT:SHA1:sql=6:")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tg := &target.Target{User: "monetdb", Password: "monetdb", Database: "demo"}

	sent := &target.HandshakeOption{Level: 2, Name: "auto_commit", Value: 1}
	notSent := &target.HandshakeOption{Level: 10, Name: "future_opt", Value: 1}

	line, err := BuildResponse(c, tg, []*target.HandshakeOption{sent, notSent})
	if err != nil {
		t.Fatalf("BuildResponse: %v", err)
	}

	if !strings.Contains(line, "FILETRANS:auto_commit=1:") {
		t.Fatalf("expected auto_commit option in response: %q", line)
	}
	if strings.Contains(line, "future_opt") {
		t.Fatalf("future_opt should not be sent (level above server's): %q", line)
	}
	if !sent.Sent {
		t.Fatalf("expected sent option to be marked Sent")
	}
	if notSent.Sent {
		t.Fatalf("expected above-level option to remain unsent")
	}
}

func TestBuildResponseRejectsUnsupportedPwhashAlgo(t *testing.T) {
	c, err := Parse("salt:mserver:9:SHA1:LIT:RIPEMD160::")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tg := &target.Target{User: "monetdb", Password: "monetdb", Database: "demo"}

	if _, err := BuildResponse(c, tg, nil); err == nil {
		t.Fatalf("expected error for unsupported pwhash algorithm")
	}
}
