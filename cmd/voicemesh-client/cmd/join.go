package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/hearthchat/voicemesh/internal/client"
	"github.com/hearthchat/voicemesh/internal/signaling"
)

var (
	flagUser    string
	flagName    string
	flagMuted   bool
	flagNoAudio bool
)

var joinCmd = &cobra.Command{
	Use:   "join <channel-id>",
	Short: "Join a voice channel and stay connected until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context(), args[0])
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagUser, "user", "", "user id to join as (required)")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name shown to other members")
	joinCmd.Flags().BoolVar(&flagMuted, "muted", false, "join muted")
	joinCmd.Flags().BoolVar(&flagNoAudio, "no-audio", false, "publish no local audio track")
	_ = joinCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(joinCmd)
}

func runJoin(parent context.Context, channelID string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	iceServers, err := fetchICEServers(ctx, flagServer)
	if err != nil {
		// The mesh can still form host-to-host candidates without ICE servers.
		log.Warn("failed to fetch ice servers, continuing without", "err", err)
	}

	api, err := client.NewAPI(client.APIOptions{Logger: log})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	sig, err := client.Dial(ctx, signalingURL(flagServer), client.DialOptions{
		Token:  flagToken,
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer sig.Close()

	var source client.CaptureSource
	if !flagNoAudio {
		src, err := client.NewSilenceSource()
		if err != nil {
			return fmt.Errorf("create audio source: %w", err)
		}
		defer src.Close()
		source = src
	}

	orch, err := client.NewOrchestrator(client.OrchestratorConfig{
		API:        api,
		ICEServers: iceServers,
		Signals:    sig,
		Source:     source,
		Logger:     log,
		OnPeerConnected: func(peerID string) {
			log.Info("peer connected", "peer_id", peerID)
		},
		OnPeerDisconnected: func(peerID string) {
			log.Info("peer disconnected", "peer_id", peerID)
		},
		OnRemoteTrack: func(peerID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info("remote track",
				"peer_id", peerID,
				"kind", track.Kind().String(),
				"mime", track.Codec().MimeType,
			)
			go drainTrack(track)
		},
	})
	if err != nil {
		return err
	}

	session := client.NewRoomSession(client.RoomConfig{
		ChannelID:    channelID,
		UserID:       flagUser,
		DisplayName:  flagName,
		Client:       sig,
		Orchestrator: orch,
		Logger:       log,
		OnRosterChange: func(peers []signaling.PeerInfo) {
			names := make([]string, 0, len(peers))
			for _, p := range peers {
				names = append(names, p.UserID)
			}
			log.Info("roster changed", "channel_id", channelID, "peers", names)
		},
	})

	if flagMuted {
		if err := sig.SetMuted(true); err != nil {
			return err
		}
	}

	log.Info("joining channel", "channel_id", channelID, "user_id", flagUser)
	err = session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainTrack keeps the RTP read loop moving so congestion feedback flows.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func signalingURL(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/") + "/signaling"
	if strings.HasPrefix(u, "https") {
		return "wss" + strings.TrimPrefix(u, "https")
	}
	return "ws" + strings.TrimPrefix(u, "http")
}

// fetchICEServers pulls the ICE configuration (including any minted TURN
// credentials) from the server's /webrtc/ice endpoint.
func fetchICEServers(ctx context.Context, baseURL string) ([]webrtc.ICEServer, error) {
	endpoint, err := url.JoinPath(baseURL, "/webrtc/ice")
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.ICEServers, nil
}
