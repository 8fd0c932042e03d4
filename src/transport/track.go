package transport

import (
	"encoding/binary"

	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// trackSampleRate is the clock rate of the remote opus track.
const trackSampleRate = 48000

// opusTrackSource adapts the inbound remote track to session.AudioSource:
// it depacketizes RTP, decodes the opus payload and yields PCM frames for the
// level analyzer. Reads block until a packet arrives or the track is closed.
type opusTrackSource struct {
	track *webrtc.TrackRemote
	dec   opus.Decoder
	out   []byte
}

func newOpusTrackSource(track *webrtc.TrackRemote) *opusTrackSource {
	return &opusTrackSource{
		track: track,
		dec:   opus.NewDecoder(),
		// 960 samples of S16LE, one 20 ms mono frame at 48 kHz.
		out: make([]byte, 1920),
	}
}

func (s *opusTrackSource) SampleRate() int {
	return trackSampleRate
}

// ReadPCM returns the next decoded frame. Undecodable payloads are skipped,
// not surfaced; a read error means the track is gone.
func (s *opusTrackSource) ReadPCM() ([]int16, error) {
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			return nil, err
		}
		if !hasAudio(pkt) {
			continue
		}

		if _, _, err := s.dec.Decode(pkt.Payload, s.out); err != nil {
			continue
		}

		samples := make([]int16, len(s.out)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(s.out[i*2:]))
		}
		return samples, nil
	}
}

// hasAudio reports whether the packet carries a decodable payload; empty
// packets (keepalives, padding-only) are skipped.
func hasAudio(pkt *rtp.Packet) bool {
	return len(pkt.Payload) > 0
}
