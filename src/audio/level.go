package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/square-key-labs/voiceline-ai/src/logger"
	"github.com/square-key-labs/voiceline-ai/src/session"
)

// LevelMeterConfig holds tuning for the inbound volume analyzer
type LevelMeterConfig struct {
	// Interval is the publish cadence, the display-refresh analogue.
	Interval time.Duration

	// Window is the number of samples analyzed per publish.
	Window int

	// BandLow and BandHigh bound the analyzed frequency band in Hz, biased
	// toward typical voice frequencies.
	BandLow  float64
	BandHigh float64

	// Bins is the number of evaluation frequencies across the band.
	Bins int
}

// DefaultLevelMeterConfig returns the reference tuning: ~60 Hz publishing over
// a 20 ms window of the 300-3400 Hz voice band.
func DefaultLevelMeterConfig() LevelMeterConfig {
	return LevelMeterConfig{
		Interval: 16 * time.Millisecond,
		Window:   960,
		BandLow:  300,
		BandHigh: 3400,
		Bins:     16,
	}
}

// LevelMeter taps an inbound PCM stream and continuously publishes a
// normalized amplitude in [0,1]. The sampling loop is tied to the context it
// is started with; Stop (or context cancellation) halts it and publishes a
// final zero so no stray loop keeps writing to a torn-down session.
type LevelMeter struct {
	cfg LevelMeterConfig
	log *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLevelMeter creates a stopped level meter
func NewLevelMeter(cfg LevelMeterConfig) *LevelMeter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLevelMeterConfig().Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultLevelMeterConfig().Window
	}
	if cfg.Bins <= 1 {
		cfg.Bins = DefaultLevelMeterConfig().Bins
	}
	if cfg.BandHigh <= cfg.BandLow {
		def := DefaultLevelMeterConfig()
		cfg.BandLow, cfg.BandHigh = def.BandLow, def.BandHigh
	}
	return &LevelMeter{
		cfg: cfg,
		log: logger.WithPrefix("LevelMeter"),
	}
}

// Start begins sampling src and publishing levels until Stop or context
// cancellation. One reader goroutine drains the source; one sampler goroutine
// publishes at the configured interval.
func (m *LevelMeter) Start(ctx context.Context, src session.AudioSource, publish func(float64)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("level meter already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	var windowMu sync.Mutex
	window := make([]int16, 0, m.cfg.Window)
	sampleRate := src.SampleRate()

	// Reader: drains decoded frames into the rolling analysis window. Not
	// tracked by the wait group; it unblocks only once the transport closes
	// the source, which happens after Stop during teardown.
	go func() {
		for {
			frame, err := src.ReadPCM()
			if err != nil {
				m.log.Debug("audio source closed: %v", err)
				return
			}
			if runCtx.Err() != nil {
				return
			}
			windowMu.Lock()
			window = append(window, frame...)
			if excess := len(window) - m.cfg.Window; excess > 0 {
				window = window[excess:]
			}
			windowMu.Unlock()
		}
	}()

	// Sampler: publishes the band level at the display-refresh cadence.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				publish(0)
				return
			case <-ticker.C:
				windowMu.Lock()
				samples := make([]int16, len(window))
				copy(samples, window)
				windowMu.Unlock()
				publish(BandLevel(samples, sampleRate, m.cfg))
			}
		}
	}()

	return nil
}

// Stop cancels the sampling loop and waits for it to exit. Safe to call
// without a prior Start and safe to call more than once.
func (m *LevelMeter) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// levelGain maps typical conversational speech amplitude to the middle of the
// [0,1] scale before clamping.
const levelGain = 4.0

// BandLevel computes the normalized average magnitude of the configured
// frequency band over the given samples. Returns a value in [0,1].
func BandLevel(samples []int16, sampleRate int, cfg LevelMeterConfig) float64 {
	if len(samples) == 0 || sampleRate <= 0 {
		return 0
	}

	normalized := make([]float64, len(samples))
	for i, s := range samples {
		normalized[i] = float64(s) / 32768.0
	}

	step := (cfg.BandHigh - cfg.BandLow) / float64(cfg.Bins-1)
	var sum float64
	for b := 0; b < cfg.Bins; b++ {
		freq := cfg.BandLow + float64(b)*step
		sum += goertzelMagnitude(normalized, sampleRate, freq)
	}

	level := (sum / float64(cfg.Bins)) * levelGain
	if level > 1 {
		level = 1
	}
	return level
}

// goertzelMagnitude evaluates the normalized spectral magnitude at one
// frequency using the Goertzel recurrence, which is far cheaper than a full
// FFT for a handful of bins.
func goertzelMagnitude(samples []float64, sampleRate int, freq float64) float64 {
	n := len(samples)
	omega := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(omega)

	var s1, s2 float64
	for _, x := range samples {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}

	power := s1*s1 + s2*s2 - coeff*s1*s2
	if power < 0 {
		power = 0
	}
	return 2 * math.Sqrt(power) / float64(n)
}
