package client

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestSilenceSource(t *testing.T) {
	src, err := NewSilenceSource()
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	tracks := src.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(tracks))
	}
	if tracks[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("kind = %s, want audio", tracks[0].Kind())
	}

	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := src.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewScreenTrack(t *testing.T) {
	track, err := NewScreenTrack()
	if err != nil {
		t.Fatalf("new screen track: %v", err)
	}
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("kind = %s, want video", track.Kind())
	}
}
