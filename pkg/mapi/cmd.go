package mapi

import (
	"bytes"
	"context"
	"strings"

	"github.com/monetdb-go/mapi/pkg/filetransfer"
	"github.com/monetdb-go/mapi/pkg/mapierrors"
	"github.com/monetdb-go/mapi/pkg/wire"
)

// fileTransferMarker is the raw FILETRANS sentinel, three bytes ending in
// the newline that terminates the preceding line.
var fileTransferMarker = []byte(wire.MsgFileTransfer)

// Cmd issues operation as a single framed message and returns the
// classified response (spec.md §4.E, cmd). Requires StateReady.
func (c *Connection) Cmd(ctx context.Context, operation string) (string, error) {
	if c.state != StateReady {
		return "", mapierrors.NewProgrammingError("cmd", "Not connected")
	}

	if err := c.framer.WriteBlock([]byte(operation)); err != nil {
		return "", err
	}

	resp, err := c.readWithFileTransfer(ctx)
	if err != nil {
		return "", err
	}

	return c.classify(ctx, string(resp))
}

// BinaryCmd is like Cmd but returns the raw response buffer instead of
// classifying it into a string, for collaborators that need to parse a
// binary payload themselves. The returned slice is only valid until the
// next operation on this Connection. Requires StateReady.
func (c *Connection) BinaryCmd(ctx context.Context, operation string) ([]byte, error) {
	if c.state != StateReady {
		return nil, mapierrors.NewProgrammingError("binary_cmd", "Not connected")
	}

	if err := c.framer.WriteBlock([]byte(operation)); err != nil {
		return nil, err
	}

	resp, err := c.readWithFileTransfer(ctx)
	if err != nil {
		return nil, err
	}

	if len(resp) > 0 && resp[0] == '!' {
		return nil, mapierrors.Classify(string(resp[1:]))
	}
	return resp, nil
}

// classify dispatches on the first byte(s) of an assembled response,
// matching the server prompt taxonomy of spec.md §4.E/§6.
func (c *Connection) classify(ctx context.Context, resp string) (string, error) {
	switch {
	case resp == "":
		return "", nil

	case strings.HasPrefix(resp, wire.MsgOK):
		return strings.TrimSpace(strings.TrimPrefix(resp, wire.MsgOK)), nil

	case resp == wire.MsgMore:
		return c.Cmd(ctx, "")

	case strings.HasPrefix(resp, wire.MsgQUpdate):
		if line := firstErrorLine(resp); line != "" {
			return "", mapierrors.Classify(strings.TrimPrefix(line, wire.MsgError))
		}
		return resp, nil

	case strings.HasPrefix(resp, wire.MsgQ), strings.HasPrefix(resp, wire.MsgHeader), strings.HasPrefix(resp, wire.MsgTuple):
		return resp, nil

	case strings.HasPrefix(resp, wire.MsgError):
		return "", mapierrors.Classify(strings.TrimPrefix(resp, wire.MsgError))

	case strings.HasPrefix(resp, wire.MsgInfo):
		c.logger.WithFields(c.logFields()).Info("event=cmd_info msg=" + resp)
		return "", nil

	case c.isRawControl:
		if strings.HasPrefix(resp, "OK") {
			return strings.TrimPrefix(resp, "OK"), nil
		}
		return resp, nil

	default:
		return "", mapierrors.NewProgrammingError("cmd", "unknown state")
	}
}

// firstErrorLine returns the first line of resp beginning with "!", or
// "" if none does.
func firstErrorLine(resp string) string {
	for _, line := range strings.Split(resp, "\n") {
		if strings.HasPrefix(line, wire.MsgError) {
			return line
		}
	}
	return ""
}

// readWithFileTransfer reads minor blocks, interposing on the FILETRANS
// sentinel (spec.md §4.F): when found, the bytes from the sentinel to the
// end of the currently buffered minor block are handed to the
// file-transfer collaborator as a command line, the buffer is truncated
// back to the sentinel's start (keeping everything read before it), and
// reading resumes by appending further minor blocks onto that same
// buffer.
func (c *Connection) readWithFileTransfer(ctx context.Context) ([]byte, error) {
	if c.isRawControl {
		return c.framer.ReadBlock()
	}

	var buf []byte
	for {
		// The sentinel can straddle a minor-block boundary, so re-scan
		// the last len(fileTransferMarker)-1 bytes already in the buffer
		// along with whatever this read appends.
		searchFrom := len(buf) - (len(fileTransferMarker) - 1)
		if searchFrom < 0 {
			searchFrom = 0
		}

		chunk, last, err := c.framer.ReadMinorBlock()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)

		if idx := bytes.Index(buf[searchFrom:], fileTransferMarker); idx >= 0 {
			sentinelStart := searchFrom + idx
			cmdStart := sentinelStart + len(fileTransferMarker)
			cmdLine := strings.TrimRight(string(buf[cmdStart:]), "\n")

			if err := c.dispatchFileTransfer(ctx, cmdLine); err != nil {
				return nil, err
			}
			buf = buf[:sentinelStart]
			continue
		}

		if last {
			return buf, nil
		}
	}
}

func (c *Connection) dispatchFileTransfer(ctx context.Context, line string) error {
	cmd, err := filetransfer.Parse(line)
	if err != nil {
		return err
	}
	c.logger.WithFields(c.logFields()).WithField("filename", cmd.Filename).Info("event=file_transfer")
	return c.fileHandler.Handle(ctx, cmd, c.framer)
}
