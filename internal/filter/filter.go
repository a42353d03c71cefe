/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

// Package filter is the pitch shift filter instance: the pitch engine, the
// control listener and the locks that keep the audio callback and the
// listener goroutine from stepping on each other.
//
// Two locks are used. The audio lock guards only the engine and is the one
// lock the audio callback ever takes. The lifecycle lock guards the listener
// and the network settings; it is never taken on the audio path.
package filter

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/intermernet/pitchfilter/internal/control"
	"github.com/intermernet/pitchfilter/internal/engine"
	"github.com/intermernet/pitchfilter/internal/stretcher"
)

const (
	ID   = "pitch_shift_filter"
	Name = "Pitch Shift Filter"

	// The host's format is not discovered; these are assumed.
	DefaultSampleRate = 48000
	DefaultChannels   = 2

	DefaultAddr = "0.0.0.0"
	DefaultPort = 8085

	defaultShutdownTimeout = 2 * time.Second
)

// ErrClosed is returned by operations on a destroyed filter.
var ErrClosed = errors.New("filter closed")

// Settings are the listener settings read when the filter is created.
type Settings struct {
	Addr string
	Port uint16
}

// DefaultSettings returns the listener defaults.
func DefaultSettings() Settings {
	return Settings{Addr: DefaultAddr, Port: DefaultPort}
}

// HostPort joins Addr and Port.
func (s Settings) HostPort() string {
	return net.JoinHostPort(s.Addr, strconv.Itoa(int(s.Port)))
}

type options struct {
	log             zerolog.Logger
	sampleRate      float64
	channels        int
	engineOpts      []engine.Option
	engine          stretcher.Engine
	shutdownTimeout time.Duration
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithFormat overrides the assumed sample rate and channel count.
func WithFormat(sampleRate float64, channels int) Option {
	return func(o *options) {
		o.sampleRate = sampleRate
		o.channels = channels
	}
}

// WithEngineOptions passes quality settings to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithEngine adopts a prebuilt engine instead of building one.
func WithEngine(e stretcher.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithShutdownTimeout bounds how long StopListener waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// Filter is one instance of the pitch shift filter.
type Filter struct {
	log             zerolog.Logger
	shutdownTimeout time.Duration

	audioMu sync.Mutex
	adapter *stretcher.Adapter

	mu       sync.Mutex
	settings Settings
	listener *control.Listener
	closed   bool

	// changeMu orders ratio changes together with their observer calls.
	changeMu sync.Mutex
	observer atomic.Pointer[func(float64)]
}

// New builds a filter. The engine is fully constructed before the Filter
// exists, so nothing can reach a half-built engine. The listener is not
// started.
func New(settings Settings, opts ...Option) (*Filter, error) {
	o := options{
		log:             zerolog.Nop(),
		sampleRate:      DefaultSampleRate,
		channels:        DefaultChannels,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var adapter *stretcher.Adapter
	if o.engine != nil {
		adapter = stretcher.NewWithEngine(o.engine, o.channels)
	} else {
		a, err := stretcher.New(o.sampleRate, o.channels, o.engineOpts...)
		if err != nil {
			return nil, err
		}
		adapter = a
	}

	f := &Filter{
		log:             o.log,
		shutdownTimeout: o.shutdownTimeout,
		adapter:         adapter,
		settings:        settings,
	}
	f.log.Info().
		Float64("sample_rate", o.sampleRate).
		Int("channels", o.channels).
		Str("addr", settings.HostPort()).
		Msg("filter created")
	return f, nil
}

// Settings returns the current listener settings.
func (f *Filter) Settings() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// Configure replaces the listener settings. A running listener keeps its
// binding; the new settings apply on the next StartListener.
func (f *Filter) Configure(s Settings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == f.settings {
		return
	}
	f.settings = s
	f.log.Info().Str("addr", s.HostPort()).Msg("listener settings changed")
}

// Listening reports whether the control listener is running.
func (f *Filter) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener != nil
}

// ListenAddr returns the bound listener address, or "" when stopped.
func (f *Filter) ListenAddr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

// StartListener binds the configured address and starts serving the control
// endpoint. It does nothing when already listening. A bind failure is logged
// and returned, and the listener stays stopped; the audio path is unaffected.
func (f *Filter) StartListener() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startLocked()
}

func (f *Filter) startLocked() error {
	if f.closed {
		return ErrClosed
	}
	if f.listener != nil {
		f.log.Debug().Msg("listener already running")
		return nil
	}

	h := control.NewHandler(f, f.log)
	l, err := control.Listen(f.settings.HostPort(), h, f.log)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to start listener, port probably in use")
		return err
	}
	f.listener = l
	return nil
}

// StopListener stops the control listener and waits for its goroutine. It
// does nothing when already stopped.
func (f *Filter) StopListener() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopLocked()
}

func (f *Filter) stopLocked() error {
	if f.listener == nil {
		return nil
	}
	f.log.Info().Msg("stopping listener")

	ctx, cancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
	defer cancel()
	err := f.listener.Stop(ctx)
	f.listener = nil
	return err
}

// SetPitchRatio clamps and applies a pitch ratio, resetting the engine's
// buffers. It is safe to call from any goroutine. Concurrent calls reach the
// observer in the order they were applied.
func (f *Filter) SetPitchRatio(ratio float64) (float64, error) {
	f.changeMu.Lock()
	defer f.changeMu.Unlock()

	f.audioMu.Lock()
	if f.adapter == nil {
		f.audioMu.Unlock()
		return 0, ErrClosed
	}
	applied := f.adapter.SetPitchRatio(ratio)
	f.audioMu.Unlock()

	if fn := f.observer.Load(); fn != nil {
		(*fn)(applied)
	}
	return applied, nil
}

// PitchRatio returns the current pitch ratio.
func (f *Filter) PitchRatio() float64 {
	f.audioMu.Lock()
	defer f.audioMu.Unlock()
	if f.adapter == nil {
		return 0
	}
	return f.adapter.PitchRatio()
}

// SetPitchObserver registers fn to be called after every applied ratio
// change. fn runs on the goroutine that made the change and must not call
// SetPitchRatio itself. A nil fn removes the observer.
func (f *Filter) SetPitchObserver(fn func(float64)) {
	if fn == nil {
		f.observer.Store(nil)
		return
	}
	f.observer.Store(&fn)
}

// Process is the audio callback. It shifts frames samples of every channel
// of buf in place and takes only the audio lock.
func (f *Filter) Process(buf [][]float32, frames int) stretcher.Status {
	f.audioMu.Lock()
	defer f.audioMu.Unlock()
	if f.adapter == nil {
		for _, ch := range buf {
			clear(ch[:min(frames, len(ch))])
		}
		return stretcher.StatusNotReady
	}
	st := f.adapter.Process(buf, frames)
	if st == stretcher.StatusNotReady {
		f.log.Debug().Int("frames", frames).Msg("engine not ready, zeroing")
	}
	return st
}

// Close stops the listener, so no control request can arrive, and then
// releases the engine under the audio lock, so no audio callback sees it
// go. Close is idempotent.
func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	err := f.stopLocked()

	f.audioMu.Lock()
	f.adapter.Close()
	f.adapter = nil
	f.audioMu.Unlock()

	f.log.Info().Msg("filter destroyed")
	return err
}
