package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	msg, err := Parse("O: 12\nv=0\r\no=- 1 2 IN IP4 127.0.0.1\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Tag != TagOffer {
		t.Fatalf("tag=%q, want %q", msg.Tag, TagOffer)
	}
	if msg.Arg != "12" {
		t.Fatalf("arg=%q, want %q", msg.Arg, "12")
	}
	if msg.Payload != "\nv=0\r\no=- 1 2 IN IP4 127.0.0.1\n" {
		t.Fatalf("payload=%q", msg.Payload)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "J: ", "J:\n", "\n", "ab\nxyz"} {
		_, err := Parse(raw)
		var perr *Error
		if !errors.As(err, &perr) || perr.Code != CodeInvalidFormat {
			t.Fatalf("Parse(%q) err=%v, want INVALID_FORMAT", raw, err)
		}
	}
}

func TestParse_UnknownHeaderShape(t *testing.T) {
	t.Parallel()

	msg, err := Parse("J:x\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Tag != 0 {
		t.Fatalf("tag=%q, want 0", msg.Tag)
	}
}

func TestParseDest(t *testing.T) {
	t.Parallel()

	if got, err := ParseDest(" 42 "); err != nil || got != 42 {
		t.Fatalf("ParseDest=%d,%v want 42,nil", got, err)
	}
	for _, arg := range []string{"", "0", "-3", "abc", "1.5", "4294967296"} {
		_, err := ParseDest(arg)
		var perr *Error
		if !errors.As(err, &perr) || perr.Code != CodeInvalidDest {
			t.Fatalf("ParseDest(%q) err=%v, want INVALID_DEST", arg, err)
		}
	}
}

func TestFormatting(t *testing.T) {
	t.Parallel()

	if got := IDLine(TagID, 1); got != "I: 1\n" {
		t.Fatalf("IDLine=%q", got)
	}
	if got := Line(TagSeal, ""); got != "S: \n" {
		t.Fatalf("Line=%q", got)
	}
	if got := Relayed(TagCandidate, 77, "\n{\"candidate\":\"x\"}"); got != "C: 77\n{\"candidate\":\"x\"}" {
		t.Fatalf("Relayed=%q", got)
	}
}

func TestRelayedPreservesPayload(t *testing.T) {
	t.Parallel()

	payloads := []string{"", "\x00\xff", "line1\nline2\n\n", "O: 1\nnested header"}
	for _, p := range payloads {
		msg, err := Parse("A: 1\n" + p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got, want := Relayed(msg.Tag, 9, msg.Payload), "A: 9\n"+p; got != want {
			t.Fatalf("Relayed=%q, want %q", got, want)
		}
	}
}

func TestAsError(t *testing.T) {
	t.Parallel()

	if AsError(nil) != nil {
		t.Fatalf("AsError(nil) != nil")
	}
	wrapped := fmt.Errorf("dispatch: %w", NewError(CodeLobbyIsSealed))
	if got := AsError(wrapped); got.Code != CodeLobbyIsSealed || got.Reason != "Lobby is sealed" {
		t.Fatalf("AsError=%+v", got)
	}
	if got := AsError(errors.New("boom")); got.Code != CodeError {
		t.Fatalf("AsError(other).Code=%d, want %d", got.Code, CodeError)
	}
	if CodeReconnectTooQuickly != 4016 || CodeRateLimited != 4017 {
		t.Fatalf("close code numbering drifted")
	}
}
