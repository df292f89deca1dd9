package protocol

import (
	"errors"
	"fmt"
)

// Code is a WebSocket close code sent to a peer when the relay drops it.
type Code int

// Standard close codes. CloseNormal ends a sealed lobby; CloseGoingAway is
// sent to every peer when the relay shuts down.
const (
	CloseNormal    Code = 1000
	CloseGoingAway Code = 1001
)

const (
	CodeError Code = 4000 + iota
	CodeNoLobby
	CodeHostDisconnected
	CodeOnlyHostCanSeal
	CodeTooManyLobbies
	CodeAlreadyInLobby
	CodeLobbyDoesNotExist
	CodeLobbyIsSealed
	CodeInvalidFormat
	CodeNeedLobby
	CodeServerError
	CodeInvalidDest
	CodeInvalidCmd
	CodeTooManyPeers
	CodeInvalidTransferMode
	CodeTooManyConnections
	CodeReconnectTooQuickly
	CodeRateLimited
)

var reasons = map[Code]string{
	CloseNormal:             "Seal complete",
	CloseGoingAway:          "Server shutting down",
	CodeError:               "Unexpected error",
	CodeNoLobby:             "Have not joined lobby yet",
	CodeHostDisconnected:    "Room host has disconnected",
	CodeOnlyHostCanSeal:     "Only host can seal the lobby",
	CodeTooManyLobbies:      "Too many lobbies open, disconnecting",
	CodeAlreadyInLobby:      "Already in a lobby",
	CodeLobbyDoesNotExist:   "Lobby does not exists",
	CodeLobbyIsSealed:       "Lobby is sealed",
	CodeInvalidFormat:       "Invalid message format",
	CodeNeedLobby:           "Invalid message when not in a lobby",
	CodeServerError:         "Server error, lobby not found",
	CodeInvalidDest:         "Invalid destination",
	CodeInvalidCmd:          "Invalid command",
	CodeTooManyPeers:        "Too many peers connected",
	CodeInvalidTransferMode: "Invalid transfer mode, must be text",
	CodeTooManyConnections:  "Too many connections from this address",
	CodeReconnectTooQuickly: "Reconnecting too quickly",
	CodeRateLimited:         "Too many messages",
}

// Reason returns the human-readable close reason for c.
func (c Code) Reason() string {
	if r, ok := reasons[c]; ok {
		return r
	}
	return fmt.Sprintf("close code %d", int(c))
}

// Error is a protocol fault. The only recovery for one is closing the
// offending connection with Code and Reason.
type Error struct {
	Code   Code
	Reason string
}

func NewError(code Code) *Error {
	return &Error{Code: code, Reason: code.Reason()}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Reason, int(e.Code))
}

// AsError extracts a protocol fault from err. Any other non-nil error maps to
// CodeError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: CodeError, Reason: CodeError.Reason()}
}
