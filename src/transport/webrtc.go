package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"

	"github.com/square-key-labs/voiceline-ai/src/events"
	"github.com/square-key-labs/voiceline-ai/src/logger"
	"github.com/square-key-labs/voiceline-ai/src/session"
)

// WebRTCConfig configures the peer-to-peer audio transport
type WebRTCConfig struct {
	// BaseURL is the transport negotiation endpoint; the SDP offer is POSTed
	// there and the answer read from the response body.
	BaseURL string

	// Model selects the remote speech model, passed as a query parameter.
	Model string

	// SideChannelLabel is the data channel label for protocol events.
	SideChannelLabel string

	// ICEServers defaults to a public STUN server.
	ICEServers []webrtc.ICEServer

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultWebRTCConfig returns the reference endpoint configuration
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		BaseURL:          "https://api.openai.com/v1/realtime",
		Model:            "gpt-4o-realtime-preview",
		SideChannelLabel: "oai-events",
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		HTTPClient: http.DefaultClient,
	}
}

// LocalTrackProvider supplies the outbound microphone track. An opened
// OpusMicrophone satisfies this.
type LocalTrackProvider interface {
	Track() *webrtc.TrackLocalStaticSample
}

// WebRTCTransport establishes a peer connection with a bidirectional audio
// path and an event side-channel, implementing session.Transport.
type WebRTCTransport struct {
	cfg WebRTCConfig
	mic LocalTrackProvider
	log *logger.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	closed *atomic.Bool
}

// NewWebRTCTransport creates a transport. mic may be nil for a receive-only
// session.
func NewWebRTCTransport(cfg WebRTCConfig, mic LocalTrackProvider) *WebRTCTransport {
	def := DefaultWebRTCConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SideChannelLabel == "" {
		cfg.SideChannelLabel = def.SideChannelLabel
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = def.ICEServers
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &WebRTCTransport{
		cfg: cfg,
		mic: mic,
		log: logger.WithPrefix("WebRTC"),
	}
}

// Connect negotiates the peer connection: create offer, set local, POST
// offer, receive answer, set remote, then wait for the side-channel to open.
// Any failure leaves nothing half-open.
func (t *WebRTCTransport) Connect(ctx context.Context, token string, h session.Handler) error {
	t.mu.Lock()
	if t.pc != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	t.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	closed := &atomic.Bool{}

	if t.mic != nil && t.mic.Track() != nil {
		if _, err := pc.AddTrack(t.mic.Track()); err != nil {
			pc.Close()
			return fmt.Errorf("failed to add microphone track: %w", err)
		}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	dc, err := pc.CreateDataChannel(t.cfg.SideChannelLabel, nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create side-channel: %w", err)
	}

	opened := make(chan struct{})
	failed := make(chan error, 1)

	dc.OnOpen(func() {
		t.log.Debug("side-channel open")
		close(opened)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		h.OnMessage(msg.Data)
	})
	dc.OnClose(func() {
		if !closed.Load() {
			h.OnDisconnect(errors.New("side-channel closed by remote"))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.log.Debug("inbound audio track: %s", track.Codec().MimeType)
		h.OnTrack(newOpusTrackSource(track))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("connection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			select {
			case failed <- fmt.Errorf("peer connection %s", state):
			default:
			}
			if !closed.Load() {
				h.OnDisconnect(fmt.Errorf("peer connection %s", state))
			}
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("failed to set local description: %w", err)
	}

	// Wait for ICE gathering so the offer carries all candidates.
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	answer, err := t.sendOffer(ctx, token, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	// The handshake is complete only once the side-channel is usable.
	select {
	case <-opened:
	case err := <-failed:
		pc.Close()
		return err
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	t.mu.Lock()
	t.pc, t.dc, t.closed = pc, dc, closed
	t.mu.Unlock()

	t.log.Info("transport connected")
	return nil
}

// sendOffer exchanges the SDP offer for an answer at the negotiation endpoint
func (t *WebRTCTransport) sendOffer(ctx context.Context, token, sdp string) (string, error) {
	url := fmt.Sprintf("%s?model=%s", t.cfg.BaseURL, t.cfg.Model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(sdp))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("offer exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("offer exchange returned %d: %s", resp.StatusCode, detail)
	}

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return string(answer), nil
}

// Send transmits one outbound instruction message over the side-channel
func (t *WebRTCTransport) Send(event events.ClientEvent) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("side-channel not open")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return dc.Send(payload)
}

// Close tears down the peer connection and side-channel. Safe to call when
// nothing is connected and safe to call more than once.
func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	pc, dc, closed := t.pc, t.dc, t.closed
	t.pc, t.dc, t.closed = nil, nil, nil
	t.mu.Unlock()

	if closed != nil {
		closed.Store(true)
	}
	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}
