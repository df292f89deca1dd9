// Package idgen draws peer identifiers and lobby codes from a random source.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	CodeLength   = 4

	// Bytes at or above this are discarded so every letter is equally likely.
	codeByteCeiling = 256 - 256%len(codeAlphabet)
)

type Generator struct {
	r io.Reader
}

// New returns a Generator reading from r, or from crypto/rand when r is nil.
func New(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{r: r}
}

// PeerID returns a random identifier in [2, 2^31). 1 is reserved for the
// room-local host alias and 0 is never a valid destination.
func (g *Generator) PeerID() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(g.r, buf[:]); err != nil {
			return 0, fmt.Errorf("read peer id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
		if id > 1 {
			return id, nil
		}
	}
}

// LobbyCode returns CodeLength uppercase ASCII letters.
func (g *Generator) LobbyCode() (string, error) {
	code := make([]byte, 0, CodeLength)
	var buf [CodeLength * 2]byte
	for len(code) < CodeLength {
		if _, err := io.ReadFull(g.r, buf[:]); err != nil {
			return "", fmt.Errorf("read lobby code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= codeByteCeiling {
				continue
			}
			code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(code) == CodeLength {
				break
			}
		}
	}
	return string(code), nil
}
