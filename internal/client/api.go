// Package client implements the connection side of the voice mesh: a
// signaling client, local media sources, and an orchestrator that maintains
// one PeerConnection per remote participant.
package client

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// APIOptions configures the WebRTC API shared by all of a client's peer
// connections.
type APIOptions struct {
	Logger *slog.Logger

	// ConfigureSettingEngine runs before the API is built. Tests use it to
	// install a vnet.
	ConfigureSettingEngine func(*webrtc.SettingEngine)
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(opts.Logger),
	}
	if opts.ConfigureSettingEngine != nil {
		opts.ConfigureSettingEngine(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
