package protocol

import (
	"strconv"
	"strings"
)

// Message tags. J and S travel in both directions; O, A and C are relayed
// verbatim apart from the header argument.
const (
	TagJoin      byte = 'J'
	TagSeal      byte = 'S'
	TagOffer     byte = 'O'
	TagAnswer    byte = 'A'
	TagCandidate byte = 'C'

	TagID         byte = 'I'
	TagPeer       byte = 'N'
	TagDisconnect byte = 'D'
)

// HostID is the room-local identity that always denotes the lobby host.
const HostID uint32 = 1

// Message is a parsed inbound frame.
type Message struct {
	Tag byte
	// Arg is the header text after "<TAG>: ", untrimmed.
	Arg string
	// Payload is everything after the first newline, including it. It is
	// never inspected.
	Payload string
}

// Parse splits a text frame into header and payload. It only checks the
// framing rules shared by every command; tag semantics are up to the caller.
// A header that does not read "<TAG>: " yields Tag 0, which no command uses.
func Parse(raw string) (Message, error) {
	nl := strings.IndexByte(raw, '\n')
	if nl < 3 {
		return Message{}, NewError(CodeInvalidFormat)
	}
	header := raw[:nl]
	msg := Message{Payload: raw[nl:]}
	if header[1] == ':' && header[2] == ' ' {
		msg.Tag = header[0]
		msg.Arg = header[3:]
	}
	return msg, nil
}

// IsRelay reports whether tag is forwarded to another peer.
func IsRelay(tag byte) bool {
	return tag == TagOffer || tag == TagAnswer || tag == TagCandidate
}

// ParseDest parses the destination of a relayed message. Zero and anything
// that is not a base-10 unsigned integer are rejected.
func ParseDest(arg string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 32)
	if err != nil || n == 0 {
		return 0, NewError(CodeInvalidDest)
	}
	return uint32(n), nil
}

// Line formats a server notice: "<tag>: <arg>\n".
func Line(tag byte, arg string) string {
	var b strings.Builder
	b.Grow(len(arg) + 4)
	b.WriteByte(tag)
	b.WriteString(": ")
	b.WriteString(arg)
	b.WriteByte('\n')
	return b.String()
}

func IDLine(tag byte, id uint32) string {
	return Line(tag, strconv.FormatUint(uint64(id), 10))
}

// Relayed rebuilds a relayed message for its destination. payload is the
// sender's payload as returned by Parse, so it still starts with the
// newline that ended the sender's header.
func Relayed(tag byte, senderID uint32, payload string) string {
	return string(tag) + ": " + strconv.FormatUint(uint64(senderID), 10) + payload
}
