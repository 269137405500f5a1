//go:build !linux

package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// newCapturePeer builds a receive-only peer connection. Camera and
// microphone capture needs platform drivers (V4L2/malgo) that only the
// linux build carries.
func newCapturePeer(cfg webrtc.Configuration) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(pc)
	log.Info().Str("module", "rtc").Msg("receive-only peer, no local capture on this platform")
	return pc, nil, nil
}
