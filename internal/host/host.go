/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

// Package host drives a filter from a full-duplex audio device: captured
// frames go through the filter and straight back out to playback.
package host

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/intermernet/pitchfilter/internal/stretcher"
)

// Processor is the audio callback the host calls for every device period.
type Processor interface {
	Process(buf [][]float32, frames int) stretcher.Status
}

// Config describes the device format.
type Config struct {
	SampleRate   int
	Channels     int
	PeriodFrames int
	Periods      int
}

// Host owns the per-channel planes handed to the Processor.
type Host struct {
	cfg    Config
	proc   Processor
	log    zerolog.Logger
	planes [][]float32
	view   [][]float32

	callbacks atomic.Uint64
	underruns atomic.Uint64
}

// New returns a Host with planes preallocated for cfg.PeriodFrames.
func New(cfg Config, proc Processor, log zerolog.Logger) *Host {
	h := &Host{
		cfg:    cfg,
		proc:   proc,
		log:    log,
		planes: make([][]float32, cfg.Channels),
		view:   make([][]float32, cfg.Channels),
	}
	for c := range h.planes {
		h.planes[c] = make([]float32, cfg.PeriodFrames)
	}
	return h
}

// Run opens the default duplex device and processes audio until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		h.log.Debug().Str("backend", strings.TrimSpace(message)).Msg("malgo")
	})
	if err != nil {
		return fmt.Errorf("failed to init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	format := malgo.FormatF32
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.PerformanceProfile = malgo.LowLatency
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = uint32(h.cfg.Channels)
	deviceConfig.Playback.Format = format
	deviceConfig.Playback.Channels = uint32(h.cfg.Channels)
	deviceConfig.SampleRate = uint32(h.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(h.cfg.PeriodFrames)
	deviceConfig.Periods = uint32(h.cfg.Periods)
	deviceConfig.Alsa.NoMMap = 1
	deviceConfig.NoClip = 1
	deviceConfig.Wasapi.NoAutoConvertSRC = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: h.onData,
	})
	if err != nil {
		return fmt.Errorf("failed to init audio device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("failed to start audio device: %w", err)
	}
	h.log.Info().
		Int("sample_rate", h.cfg.SampleRate).
		Int("channels", h.cfg.Channels).
		Int("period_frames", h.cfg.PeriodFrames).
		Msg("audio device started")

	<-ctx.Done()

	if err := device.Stop(); err != nil {
		h.log.Warn().Err(err).Msg("failed to stop audio device")
	}
	h.log.Info().
		Uint64("callbacks", h.callbacks.Load()).
		Uint64("underruns", h.underruns.Load()).
		Msg("audio device stopped")
	return nil
}

// Underruns returns how many callbacks produced silence.
func (h *Host) Underruns() uint64 { return h.underruns.Load() }

// Callbacks returns how many callbacks were processed.
func (h *Host) Callbacks() uint64 { return h.callbacks.Load() }

func (h *Host) onData(out, in []byte, frameCount uint32) {
	frames := int(frameCount)
	for c := range h.planes {
		// Only grows when the device ignores the requested period size.
		if len(h.planes[c]) < frames {
			h.planes[c] = make([]float32, frames)
		}
		h.view[c] = h.planes[c][:frames]
		clear(h.view[c])
	}

	deinterleave(h.view, in, frames)
	if h.proc.Process(h.view, frames) == stretcher.StatusNotReady {
		h.underruns.Add(1)
	}
	interleave(out, h.view, frames)
	h.callbacks.Add(1)
}
