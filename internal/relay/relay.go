package relay

import "github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"

type Sender interface {
	Send(msg string) error
}

// Forward delivers a relayed offer, answer or candidate to dest. The payload
// is passed through untouched; only the header argument is rewritten to the
// sender's room-local id.
func Forward(dest Sender, tag byte, senderID uint32, payload string) error {
	if !protocol.IsRelay(tag) {
		return protocol.NewError(protocol.CodeInvalidCmd)
	}
	return dest.Send(protocol.Relayed(tag, senderID, payload))
}
