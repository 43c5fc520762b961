// Package filetransfer implements the collaborator MonetDB's
// server-initiated file transfer sub-protocol hands control to mid
// response: the server asks the client to either supply the contents of a
// local file (upload) or store a file it is about to send (download).
package filetransfer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/monetdb-go/mapi/pkg/mapierrors"
)

// Direction says which way bytes flow once a transfer command is
// accepted.
type Direction int

const (
	// Download means the server will send raw blocks the handler must
	// store.
	Download Direction = iota
	// Upload means the handler must supply raw blocks for the client to
	// send to the server.
	Upload
)

// Command is a parsed file-transfer request line, of the shape
// "r <id> <filename>" for a download or "w <id> <filename>" for an
// upload.
type Command struct {
	Direction Direction
	ID        int
	Filename  string
}

// Parse extracts a Command from the raw line the dispatcher found after
// the MSG_FILETRANS sentinel.
func Parse(line string) (Command, error) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(fields) < 3 {
		return Command{}, mapierrors.NewDataError("filetransfer", "malformed file transfer command: "+line)
	}

	var dir Direction
	switch fields[0] {
	case "r":
		dir = Download
	case "w":
		dir = Upload
	default:
		return Command{}, mapierrors.NewDataError("filetransfer", "unknown file transfer direction: "+fields[0])
	}

	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return Command{}, mapierrors.NewDataError("filetransfer", "malformed file transfer id: "+fields[1])
	}

	return Command{Direction: dir, ID: id, Filename: fields[2]}, nil
}

// BlockReadWriter is the subset of wire.Framer a Handler needs to move raw
// block payloads once it takes over the stream; *wire.Framer satisfies it
// directly.
type BlockReadWriter interface {
	ReadBlock() ([]byte, error)
	WriteBlock([]byte) error
}

// Handler is invoked by the Connection FSM whenever the server hands
// control to the file-transfer sub-protocol. Implementations read or
// write raw blocks through rw until the transfer is complete; the FSM
// resumes its normal response read loop once Handle returns.
type Handler interface {
	Handle(ctx context.Context, cmd Command, rw BlockReadWriter) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command, rw BlockReadWriter) error

func (f HandlerFunc) Handle(ctx context.Context, cmd Command, rw BlockReadWriter) error {
	return f(ctx, cmd, rw)
}

// errUnsupported reports a command whose Direction the handler does not
// recognize.
func errUnsupported(cmd Command) error {
	return mapierrors.NewOperationalError("filetransfer", fmt.Sprintf("no handler configured for transfer %d (%s)", cmd.ID, cmd.Filename), nil)
}
