package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the single channel opened between each
// pair of lobby members.
const DataChannelLabel = "lobby"

// CreateDataChannel opens the ordered, fully reliable lobby channel on pc.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
}

func validateDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabel, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("lobby datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("lobby datachannel must be fully reliable")
	}
	return nil
}
