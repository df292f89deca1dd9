// Package webrtcpeer builds a full mesh of pion PeerConnections between the
// members of a lobby, negotiated through the relay.
package webrtcpeer

import (
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

type APIConfig struct {
	// Net replaces the OS network stack, e.g. with a vnet.Net.
	Net transport.Net
	// LoggerFactory defaults to pion's own when nil.
	LoggerFactory logging.LoggerFactory
}

func NewAPI(cfg APIConfig) *webrtc.API {
	se := webrtc.SettingEngine{}
	ApplyNetworkSettings(&se, cfg)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg APIConfig) {
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
}
