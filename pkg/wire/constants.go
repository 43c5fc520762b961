// Package wire implements the MAPI block framing protocol: splitting and
// reassembling the length-prefixed minor blocks that carry every request
// and response on a MonetDB control connection.
package wire

import "time"

// Chunking limits.
const (
	// MaxChunk is the largest payload a single minor block may carry.
	// The two-byte header packs length into the upper 15 bits, but the
	// server additionally refuses chunks larger than 8KiB-2.
	MaxChunk = (8 * 1024) - 2

	// bufferGrowth is the increment the read buffer grows by when more
	// room is needed, matching the original client's recv buffer growth.
	bufferGrowth = 8192
)

// Sentinel strings recognized mid-stream while assembling a response.
const (
	// MsgMore signals the previous command produced no further output and
	// the caller should issue an empty follow-up command to keep reading.
	MsgMore = "\x01\x02\n"

	// MsgFileTransfer marks a line that hands control to the file transfer
	// sub-protocol; the remainder of the block is the transfer command.
	MsgFileTransfer = "\x01\x03\n"

	// MsgPrompt is the empty prompt the server sends to request the next
	// command once the previous response completed normally.
	MsgPrompt = ""
)

// Response line markers, one or two bytes (MsgOK is three) identifying the shape
// of a line within an assembled response.
const (
	MsgInfo         = "#"
	MsgError        = "!"
	MsgQ            = "&"
	MsgQTable       = "&1"
	MsgQUpdate      = "&2"
	MsgQSchema      = "&3"
	MsgQTrans       = "&4"
	MsgQPrepare     = "&5"
	MsgQBlock       = "&6"
	MsgHeader       = "%"
	MsgTuple        = "["
	MsgTupleNoSlice = "="
	MsgRedirect     = "^"
	MsgOK           = "=OK"
)

// DefaultConnectTimeout bounds a single dial attempt (TCP, Unix socket, or
// TLS handshake); it is not a deadline for the lifetime of the connection.
const DefaultConnectTimeout = 10 * time.Second
