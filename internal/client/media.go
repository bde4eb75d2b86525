package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// CaptureSource provides the local tracks added to every peer connection in
// the mesh. Implementations own the capture pipeline; the orchestrator only
// attaches the tracks.
type CaptureSource interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

const silenceFrameDuration = 20 * time.Millisecond

// opusSilence is a minimal Opus frame decoding to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource is a synthetic microphone: one Opus track fed silence frames
// at a steady cadence. Headless clients and tests use it in place of real
// audio capture.
type SilenceSource struct {
	track *webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSilenceSource() (*SilenceSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voicemesh-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	s := &SilenceSource{
		track: track,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *SilenceSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *SilenceSource) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *SilenceSource) loop() {
	defer close(s.done)

	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// WriteSample is a no-op until the track is bound to a sender.
			_ = s.track.WriteSample(media.Sample{
				Data:     opusSilence,
				Duration: silenceFrameDuration,
			})
		case <-s.stop:
			return
		}
	}
}

// NewScreenTrack creates the local video track published while screen sharing.
// The caller feeds it encoded VP8 samples from whatever capture pipeline the
// host platform provides.
func NewScreenTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", "voicemesh-screen-"+uuid.NewString(),
	)
}
