package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/square-key-labs/voiceline-ai/src/logger"
)

// micFrameSamples is one 20 ms mono frame at 48 kHz.
const micFrameSamples = 960

// PCMSource is the capture-device abstraction behind the microphone. Start
// may fail with session.ErrPermissionDenied (possibly wrapped) when the
// environment refuses capture access.
type PCMSource interface {
	Start(ctx context.Context) error
	// ReadPCM fills frame with mono 48 kHz samples and returns the count.
	ReadPCM(frame []int16) (int, error)
	Close() error
}

// OpusMicrophone owns the capture source for one call and pumps its PCM,
// opus-encoded, onto a local WebRTC track. It implements session.Microphone
// and LocalTrackProvider.
type OpusMicrophone struct {
	source PCMSource
	log    *logger.Logger

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOpusMicrophone creates a microphone over the given capture source
func NewOpusMicrophone(source PCMSource) *OpusMicrophone {
	return &OpusMicrophone{
		source: source,
		log:    logger.WithPrefix("Microphone"),
	}
}

// Open acquires the capture source and starts the encode pump. Failure leaves
// nothing acquired.
func (m *OpusMicrophone) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("microphone already open")
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: trackSampleRate,
		Channels:  2,
	}, "audio", "voiceline-mic")
	if err != nil {
		return fmt.Errorf("failed to create local track: %w", err)
	}

	enc, err := opus.NewEncoder(trackSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("failed to create opus encoder: %w", err)
	}

	if err := m.source.Start(ctx); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	m.track = track
	m.cancel = cancel

	m.wg.Add(1)
	go m.pump(pumpCtx, enc)

	m.log.Info("microphone open")
	return nil
}

// pump reads capture frames, encodes them and writes samples to the track
func (m *OpusMicrophone) pump(ctx context.Context, enc *opus.Encoder) {
	defer m.wg.Done()

	frame := make([]int16, micFrameSamples)
	encoded := make([]byte, 1500)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := m.source.ReadPCM(frame)
		if err != nil {
			m.log.Debug("capture source closed: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		size, err := enc.Encode(frame[:n], encoded)
		if err != nil {
			m.log.Warn("opus encode failed: %v", err)
			continue
		}

		if err := m.track.WriteSample(media.Sample{
			Data:     append([]byte(nil), encoded[:size]...),
			Duration: 20 * time.Millisecond,
		}); err != nil {
			m.log.Debug("track write failed: %v", err)
			return
		}
	}
}

// Track returns the local track to attach to the peer connection, or nil when
// the microphone is not open.
func (m *OpusMicrophone) Track() *webrtc.TrackLocalStaticSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track
}

// Close stops the pump and releases the capture source. Safe to call when
// nothing was acquired and safe to call more than once.
func (m *OpusMicrophone) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.track = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := m.source.Close()
	m.wg.Wait()
	return err
}
