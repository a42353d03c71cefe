/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

// Package stretcher adapts a push/pull pitch engine to a fixed-size, in-place
// audio callback.
//
// An Adapter is not safe for concurrent use. Its owner must
// serialize every call, including SetPitchRatio, behind one lock.
package stretcher

import (
	"math"

	"github.com/intermernet/pitchfilter/internal/engine"
)

const (
	MinPitchRatio = 0.75
	MaxPitchRatio = 1.5
)

// Status is the outcome of one Process call.
type Status int

const (
	// StatusOK means the buffer holds shifted audio.
	StatusOK Status = iota
	// StatusNotReady means the engine had too few frames and the buffer was
	// silenced. This is the normal start-up and post-reset condition.
	StatusNotReady
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotReady:
		return "not ready"
	default:
		return "unknown"
	}
}

// Engine is the pitch engine consumed as a black box.
type Engine interface {
	SetPitchScale(ratio float64) error
	Process(input [][]float32, frames int)
	Available() int
	Retrieve(output [][]float32, frames int) int
	Reset()
}

var _ Engine = (*engine.Stretcher)(nil)

// Adapter owns an Engine and applies the filter's policies around it.
type Adapter struct {
	engine   Engine
	channels int
	ratio    float64
}

// New builds an engine.Stretcher for the given format and adopts it.
func New(sampleRate float64, channels int, opts ...engine.Option) (*Adapter, error) {
	e, err := engine.New(sampleRate, channels, opts...)
	if err != nil {
		return nil, err
	}
	return NewWithEngine(e, channels), nil
}

// NewWithEngine adopts an already built engine. The Adapter becomes its
// only user.
func NewWithEngine(e Engine, channels int) *Adapter {
	return &Adapter{engine: e, channels: channels, ratio: 1.0}
}

// ClampPitchRatio limits v to [MinPitchRatio, MaxPitchRatio]. NaN maps to
// MinPitchRatio.
func ClampPitchRatio(v float64) float64 {
	switch {
	case math.IsNaN(v), v < MinPitchRatio:
		return MinPitchRatio
	case v > MaxPitchRatio:
		return MaxPitchRatio
	default:
		return v
	}
}

// PitchRatio returns the ratio last applied.
func (a *Adapter) PitchRatio() float64 { return a.ratio }

// Channels returns the channel count the engine was built for.
func (a *Adapter) Channels() int { return a.channels }

// SetPitchRatio clamps v, applies it and resets the engine's buffers. The
// reset costs a short gap of silence but keeps channels in step after a
// jump. It returns the applied ratio.
func (a *Adapter) SetPitchRatio(v float64) float64 {
	r := ClampPitchRatio(v)
	if a.engine == nil {
		return a.ratio
	}
	// A clamped ratio is always positive and finite.
	_ = a.engine.SetPitchScale(r)
	a.engine.Reset()
	a.ratio = r
	return r
}

// Process shifts frames samples of every channel of buf in place.
//
// When the engine cannot supply frames samples yet, every channel is
// zeroed for frames samples and StatusNotReady is returned. Otherwise the
// shifted audio is retrieved and channel 0 is copied over every other
// channel; the engine lets channels drift in phase, so the output is
// collapsed to mono.
func (a *Adapter) Process(buf [][]float32, frames int) Status {
	if a.engine == nil {
		silence(buf, frames)
		return StatusNotReady
	}
	a.engine.Process(buf, frames)
	if a.engine.Available() < frames {
		silence(buf, frames)
		return StatusNotReady
	}
	a.engine.Retrieve(buf, frames)
	collapse(buf, frames)
	return StatusOK
}

// Close releases the engine. Later Process calls produce silence.
func (a *Adapter) Close() {
	a.engine = nil
}

func silence(buf [][]float32, frames int) {
	for _, ch := range buf {
		clear(ch[:min(frames, len(ch))])
	}
}

func collapse(buf [][]float32, frames int) {
	if len(buf) == 0 || buf[0] == nil {
		return
	}
	src := buf[0][:min(frames, len(buf[0]))]
	for _, ch := range buf[1:] {
		if ch != nil {
			copy(ch, src)
		}
	}
}
