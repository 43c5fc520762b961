package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestWriteBlockSingleChunk(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	if err := f.WriteBlock([]byte("hello")); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	want := []byte{(5 << 1) | 1, 0, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes = %v, want %v", buf.Bytes(), want)
	}
}

func TestWriteBlockSplitsOnMaxChunk(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	data := bytes.Repeat([]byte("x"), MaxChunk+10)
	if err := f.WriteBlock(data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	rf := NewFramer(&buf)
	got, err := rf.ReadBlock()
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestWriteBlockExactMultipleSendsTrailingEmptyLast(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	data := bytes.Repeat([]byte("y"), MaxChunk*2)
	if err := f.WriteBlock(data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	wire := buf.Bytes()
	wantLen := 2*(2+MaxChunk) + 2 // two full non-last minor blocks, one trailing empty last block
	if len(wire) != wantLen {
		t.Fatalf("wire length = %d, want %d", len(wire), wantLen)
	}

	firstHeader := binary.LittleEndian.Uint16(wire[0:2])
	if firstHeader&1 != 0 {
		t.Fatalf("first minor block header = %#x, want last bit clear", firstHeader)
	}
	secondOffset := 2 + MaxChunk
	secondHeader := binary.LittleEndian.Uint16(wire[secondOffset : secondOffset+2])
	if secondHeader&1 != 0 {
		t.Fatalf("second minor block header = %#x, want last bit clear", secondHeader)
	}
	trailingOffset := secondOffset + 2 + MaxChunk
	trailingHeader := binary.LittleEndian.Uint16(wire[trailingOffset : trailingOffset+2])
	if trailingHeader != 1 {
		t.Fatalf("trailing minor block header = %#x, want zero-length last block (0x1)", trailingHeader)
	}
	if len(wire) != trailingOffset+2 {
		t.Fatalf("unexpected bytes after trailing empty last block")
	}

	rf := NewFramer(&buf)
	got, err := rf.ReadBlock()
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestReadBlockEmptyBlock(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)
	if err := f.WriteBlock(nil); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	rf := NewFramer(&buf)
	got, err := rf.ReadBlock()
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty block, got %d bytes", len(got))
	}
}

func TestReadBlockServerClosedConnection(t *testing.T) {
	r := strings.NewReader("")
	f := NewFramer(&rwPair{r: r, w: new(bytes.Buffer)})

	_, err := f.ReadBlock()
	if err == nil {
		t.Fatalf("expected error on closed connection")
	}
	if !strings.Contains(err.Error(), "server closed connection") {
		t.Fatalf("error = %v, want to mention server closed connection", err)
	}
}

func TestFramerReusesStashedBuffer(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	data := bytes.Repeat([]byte("z"), 100)
	f.WriteBlock(data)
	if _, err := f.ReadBlock(); err != nil {
		t.Fatalf("first ReadBlock: %v", err)
	}
	if f.stashed == nil {
		t.Fatalf("expected a stashed buffer after first read")
	}

	f.WriteBlock(data)
	got, err := f.ReadBlock()
	if err != nil {
		t.Fatalf("second ReadBlock: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("second round trip mismatch")
	}
}

type rwPair struct {
	r *strings.Reader
	w *bytes.Buffer
}

func (p *rwPair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *rwPair) Write(b []byte) (int, error) { return p.w.Write(b) }
