package filetransfer

import (
	"context"
	"io"
	"sync"

	"github.com/monetdb-go/mapi/pkg/buffer"
)

// SpoolingHandler is the default Handler: downloads are stored in a
// buffer.Buffer (spilling to disk past memLimit bytes) keyed by transfer
// ID and retrievable with Downloaded; uploads read from whatever
// io.Reader the caller registered with SetUpload for that transfer ID.
//
// Safe for concurrent use; a single Connection only ever has one transfer
// in flight at a time, but callers may inspect completed transfers from
// another goroutine.
type SpoolingHandler struct {
	memLimit int64

	mu       sync.Mutex
	uploads  map[int]io.Reader
	finished map[int]*buffer.Buffer
}

// NewSpoolingHandler returns a handler that spills downloads to disk past
// memLimit bytes (buffer.DefaultMemoryLimit if memLimit <= 0).
func NewSpoolingHandler(memLimit int64) *SpoolingHandler {
	return &SpoolingHandler{
		memLimit: memLimit,
		uploads:  make(map[int]io.Reader),
		finished: make(map[int]*buffer.Buffer),
	}
}

// SetUpload registers r as the source for a future "w <id> <filename>"
// request. The caller retains ownership of closing r, if it needs
// closing.
func (h *SpoolingHandler) SetUpload(id int, r io.Reader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploads[id] = r
}

// Downloaded returns the buffer a completed download was stored into, or
// nil if no such transfer has completed yet.
func (h *SpoolingHandler) Downloaded(id int) *buffer.Buffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished[id]
}

// Handle implements Handler.
func (h *SpoolingHandler) Handle(ctx context.Context, cmd Command, rw BlockReadWriter) error {
	switch cmd.Direction {
	case Download:
		return h.handleDownload(cmd, rw)
	case Upload:
		return h.handleUpload(cmd, rw)
	default:
		return errUnsupported(cmd)
	}
}

func (h *SpoolingHandler) handleDownload(cmd Command, rw BlockReadWriter) error {
	buf := buffer.New(h.memLimit)

	for {
		block, err := rw.ReadBlock()
		if err != nil {
			buf.Close()
			return err
		}
		if len(block) == 0 {
			break
		}
		if _, err := buf.Write(block); err != nil {
			buf.Close()
			return err
		}
	}

	h.mu.Lock()
	h.finished[cmd.ID] = buf
	h.mu.Unlock()
	return nil
}

func (h *SpoolingHandler) handleUpload(cmd Command, rw BlockReadWriter) error {
	h.mu.Lock()
	r, ok := h.uploads[cmd.ID]
	h.mu.Unlock()
	if !ok {
		return rw.WriteBlock(nil)
	}

	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if werr := rw.WriteBlock(chunk[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return rw.WriteBlock(nil)
		}
		if err != nil {
			return err
		}
	}
}
