// Package protocol implements the pipe-delimited, newline-terminated wire
// format shared by the chat server and its clients. Every message is one
// line: a command keyword, optionally followed by one or more `|`-separated
// fields, the last of which absorbs any remaining separators verbatim.
package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLineLength is the maximum accepted line length in bytes, including the
// trailing '\n'. Longer lines are a protocol error, not a parse failure.
const MaxLineLength = 4096

// Command identifies the keyword of a decoded line, client- or
// server-originated; the grammar is shared because both directions use the
// same framing.
type Command string

const (
	CmdJoin  Command = "JOIN"
	CmdSend  Command = "SEND"
	CmdLeave Command = "LEAVE"

	EvtOK        Command = "OK"
	EvtErr       Command = "ERR"
	EvtJoined    Command = "JOINED"
	EvtLeft      Command = "LEFT"
	EvtBroadcast Command = "BROADCAST"
)

// ErrorKind tags why Decode rejected a line.
type ErrorKind int

const (
	ErrUnknownCommand ErrorKind = iota
	ErrMissingField
	ErrInvalidEncoding
	ErrEmpty
)

// DecodeError is returned by Decode; Kind lets callers branch without string
// matching, Reason is the client-facing text for an ERR frame.
type DecodeError struct {
	Kind   ErrorKind
	Reason string
}

func (e *DecodeError) Error() string { return e.Reason }

func decodeErr(kind ErrorKind, reason string) *DecodeError {
	return &DecodeError{Kind: kind, Reason: reason}
}

// Message is one decoded wire frame.
type Message struct {
	Command  Command
	Username string // JOIN, JOINED, LEFT, BROADCAST
	Text     string // SEND message body, ERR reason, BROADCAST message body
}

// fieldArity is the number of '|'-delimited fields each command expects
// beyond the keyword; the last field absorbs any further '|' verbatim.
var fieldArity = map[Command]int{
	CmdJoin:      1,
	CmdSend:      1,
	CmdLeave:     0,
	EvtOK:        0,
	EvtErr:       1,
	EvtJoined:    1,
	EvtLeft:      1,
	EvtBroadcast: 2,
}

// Decode parses one line (trailing '\n' already stripped by the caller).
// Roundtrip property: Decode(Encode(m)) == m for every well-formed m.
func Decode(line []byte) (Message, error) {
	if !utf8.Valid(line) {
		return Message{}, decodeErr(ErrInvalidEncoding, "invalid UTF-8 encoding")
	}
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Message{}, decodeErr(ErrEmpty, "empty message")
	}

	head := strings.SplitN(trimmed, "|", 2)
	cmd := Command(strings.ToUpper(head[0]))
	arity, known := fieldArity[cmd]
	if !known {
		return Message{}, decodeErr(ErrUnknownCommand, fmt.Sprintf("unknown command %q", head[0]))
	}
	if arity == 0 {
		return Message{Command: cmd}, nil
	}
	if len(head) < 2 || head[1] == "" {
		return Message{}, decodeErr(ErrMissingField, fmt.Sprintf("%s requires a field", cmd))
	}
	rest := head[1]

	switch cmd {
	case CmdJoin, EvtJoined, EvtLeft:
		return Message{Command: cmd, Username: rest}, nil
	case CmdSend, EvtErr:
		return Message{Command: cmd, Text: rest}, nil
	case EvtBroadcast:
		parts := strings.SplitN(rest, "|", 2)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return Message{}, decodeErr(ErrMissingField, "BROADCAST requires a username and a message")
		}
		return Message{Command: cmd, Username: parts[0], Text: parts[1]}, nil
	}
	return Message{}, decodeErr(ErrUnknownCommand, fmt.Sprintf("unhandled command %q", head[0]))
}

// Encode renders m back to its wire form, without a trailing '\n' — callers
// append the line terminator when writing to a socket.
func Encode(m Message) []byte {
	switch m.Command {
	case CmdLeave, EvtOK:
		return []byte(string(m.Command))
	case CmdJoin, EvtJoined, EvtLeft:
		return []byte(fmt.Sprintf("%s|%s", m.Command, m.Username))
	case CmdSend, EvtErr:
		return []byte(fmt.Sprintf("%s|%s", m.Command, m.Text))
	case EvtBroadcast:
		return []byte(fmt.Sprintf("%s|%s|%s", m.Command, m.Username, m.Text))
	default:
		return []byte(string(m.Command))
	}
}

// Constructors keep call sites free of field-name typos.

func NewJoin(username string) Message     { return Message{Command: CmdJoin, Username: username} }
func NewSend(text string) Message         { return Message{Command: CmdSend, Text: text} }
func NewLeave() Message                   { return Message{Command: CmdLeave} }
func NewOK() Message                      { return Message{Command: EvtOK} }
func NewErr(reason string) Message        { return Message{Command: EvtErr, Text: reason} }
func NewJoined(username string) Message   { return Message{Command: EvtJoined, Username: username} }
func NewLeft(username string) Message     { return Message{Command: EvtLeft, Username: username} }
func NewBroadcast(username, text string) Message {
	return Message{Command: EvtBroadcast, Username: username, Text: text}
}
