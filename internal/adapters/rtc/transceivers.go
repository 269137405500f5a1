package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// addRecvOnlyTransceivers declares one inbound audio and one inbound video
// m-line so the SDP stays negotiable without local tracks.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("kind", kind.String()).Msg("add recvonly transceiver")
		}
	}
}
