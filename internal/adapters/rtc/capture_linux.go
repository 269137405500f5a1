//go:build linux

package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// newCapturePeer builds a peer connection with camera and microphone tracks
// attached via pion/mediadevices (V4L2 + malgo). GetUserMedia fails as a
// unit when either device is unavailable, so capture is attempted in
// decreasing order: video+audio, video-only, audio-only. When everything
// fails the connection falls back to receive-only so the call can still
// play remote media.
func newCapturePeer(cfg webrtc.Configuration) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

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

	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// raw formats only; MJPEG nodes can feed the VP8 encoder
				// malformed frames that break SDP negotiation
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("attempt", a.label).Msg("media capture failed")
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Str("module", "rtc").Msg("local track ended")
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Error().Err(err).Str("module", "rtc").Msg("add local track")
			}
		}

		log.Info().Str("module", "rtc").Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		stop := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, stop, nil
	}

	log.Warn().Str("module", "rtc").Msg("no local capture available, receive-only")
	addRecvOnlyTransceivers(pc)
	return pc, nil, nil
}
