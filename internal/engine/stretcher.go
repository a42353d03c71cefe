/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
*****************************************************************************
*
* Pitch shift algorithm based on
* http://blogs.zynaptiq.com/bernsee/pitch-shifting-using-the-ft/
*
* COPYRIGHT 1999-2015 Stephan M. Bernsee <s.bernsee [AT] zynaptiq [DOT] com>
*
* 						The Wide Open License (WOL)
*
* Permission to use, copy, modify, distribute and sell this software and its
* documentation for any purpose is hereby granted without fee, provided that
* the above copyright notice and this license appear in all source copies.
* THIS SOFTWARE IS PROVIDED "AS IS" WITHOUT EXPRESS OR IMPLIED WARRANTY OF
* ANY KIND. See http://www.dspguru.com/wol.htm for more information.
*
*****************************************************************************
*
* This code is further adapted from
* https://github.com/200sc/klangsynthese/blob/master/audio/filter/pitchshift.go
*
* COPYRIGHT 2017 Patrick Stephen <patrick.d.stephen [AT] gmail [DOT] com>
*
*****************************************************************************/

// Package engine implements a streaming, multi-channel phase-vocoder pitch
// engine with a push/pull interface: input frames are pushed with Process,
// shifted frames become Available after the analysis latency and are pulled
// with Retrieve. Duration is preserved; only the perceived pitch changes.
//
// A Stretcher is not safe for concurrent use.
package engine

import (
	"fmt"
	"math"
	"math/cmplx"

	algofft "github.com/MeKo-Christian/algo-fft"
)

const (
	DefaultFrameSize    = 2048
	DefaultOversampling = 8

	MinFrameSize    = 256
	MaxFrameSize    = 8192
	MinOversampling = 4
)

// Options are the quality settings of a Stretcher. They are fixed once the
// Stretcher is built.
type Options struct {
	FrameSize    int
	Oversampling int
}

// Option mutates Options.
type Option func(*Options)

// WithFrameSize sets the FFT frame size. Must be a power of 2.
func WithFrameSize(n int) Option {
	return func(o *Options) { o.FrameSize = n }
}

// WithOversampling sets the number of overlapping frames per frame size.
// Must be a power of 2.
func WithOversampling(n int) Option {
	return func(o *Options) { o.Oversampling = n }
}

// DefaultOptions returns the settings used when no Option is given.
func DefaultOptions() Options {
	return Options{
		FrameSize:    DefaultFrameSize,
		Oversampling: DefaultOversampling,
	}
}

// Validate reports the first invalid setting.
func (o Options) Validate() error {
	if !isPowerOfTwo(o.FrameSize) || o.FrameSize < MinFrameSize || o.FrameSize > MaxFrameSize {
		return fmt.Errorf("frame size must be a power of 2 in [%d, %d]: %d", MinFrameSize, MaxFrameSize, o.FrameSize)
	}
	if !isPowerOfTwo(o.Oversampling) || o.Oversampling < MinOversampling || o.Oversampling > o.FrameSize/2 {
		return fmt.Errorf("oversampling must be a power of 2 in [%d, %d]: %d", MinOversampling, o.FrameSize/2, o.Oversampling)
	}
	return nil
}

type channelState struct {
	frame               []float64
	fill                int
	lastPhase, sumPhase []float64
	outAcc              []float64
	out                 fifo
}

// Stretcher shifts the pitch of a fixed number of channels.
type Stretcher struct {
	sampleRate   float64
	frameSize    int
	oversampling int
	step         int
	latency      int
	pitchScale   float64
	expected     float64
	freqPerBin   float64

	window, windowFactors             []float64
	plan                              *algofft.Plan[complex128]
	workBuffer, spectrum              []complex128
	magnitudes, frequencies           []float64
	synthMagnitudes, synthFrequencies []float64

	channels []*channelState
}

// New builds a Stretcher for sampleRate and channels. All buffers are
// allocated here so that Process and Retrieve do not allocate in steady state.
func New(sampleRate float64, channels int, opts ...Option) (*Stretcher, error) {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("sample rate must be positive and finite: %f", sampleRate)
	}
	if channels < 1 {
		return nil, fmt.Errorf("channel count must be at least 1: %d", channels)
	}
	o := DefaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	plan, err := algofft.NewPlan64(o.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create FFT plan: %w", err)
	}

	n := o.FrameSize
	half := n/2 + 1
	s := &Stretcher{
		sampleRate:       sampleRate,
		frameSize:        n,
		oversampling:     o.Oversampling,
		step:             n / o.Oversampling,
		pitchScale:       1.0,
		freqPerBin:       sampleRate / float64(n),
		plan:             plan,
		workBuffer:       make([]complex128, n),
		spectrum:         make([]complex128, n),
		magnitudes:       make([]float64, half),
		frequencies:      make([]float64, half),
		synthMagnitudes:  make([]float64, half),
		synthFrequencies: make([]float64, half),
		window:           make([]float64, n),
		windowFactors:    make([]float64, n),
	}
	s.latency = n - s.step
	s.expected = 2 * math.Pi * float64(s.step) / float64(n)

	// Hann analysis and synthesis windows overlap-add to 3/8 * oversampling.
	gain := 8.0 / (3.0 * float64(o.Oversampling))
	t := 0.0
	for i := 0; i < n; i++ {
		w := -0.5*math.Cos(t) + 0.5
		s.window[i] = w
		s.windowFactors[i] = w * gain
		t += (math.Pi * 2.0) / float64(n)
	}

	s.channels = make([]*channelState, channels)
	for c := range s.channels {
		s.channels[c] = &channelState{
			frame:     make([]float64, n),
			fill:      s.latency,
			lastPhase: make([]float64, half),
			sumPhase:  make([]float64, half),
			outAcc:    make([]float64, 2*n),
			out:       newFIFO(4 * n),
		}
	}
	return s, nil
}

// SampleRate returns the sample rate in Hz.
func (s *Stretcher) SampleRate() float64 { return s.sampleRate }

// Channels returns the channel count.
func (s *Stretcher) Channels() int { return len(s.channels) }

// Options returns the settings the Stretcher was built with.
func (s *Stretcher) Options() Options {
	return Options{FrameSize: s.frameSize, Oversampling: s.oversampling}
}

// Latency returns the number of frames between input and the matching output.
func (s *Stretcher) Latency() int { return s.latency }

// PitchScale returns the current pitch ratio.
func (s *Stretcher) PitchScale() float64 { return s.pitchScale }

// SetPitchScale sets the pitch ratio. 2.0 is an octave up, 0.5 an octave down.
func (s *Stretcher) SetPitchScale(ratio float64) error {
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return fmt.Errorf("pitch scale must be positive and finite: %f", ratio)
	}
	s.pitchScale = ratio
	return nil
}

// Process pushes frames samples of every channel. Missing or short channel
// slices are read as silence.
func (s *Stretcher) Process(input [][]float32, frames int) {
	for c, ch := range s.channels {
		var src []float32
		if c < len(input) {
			src = input[c]
		}
		for i := 0; i < frames; i++ {
			x := 0.0
			if i < len(src) {
				x = float64(src[i])
			}
			ch.frame[ch.fill] = x
			ch.fill++
			if ch.fill >= s.frameSize {
				s.shift(ch)
				ch.fill = s.latency
			}
		}
	}
}

// Available returns how many frames can be retrieved from every channel.
func (s *Stretcher) Available() int {
	avail := math.MaxInt
	for _, ch := range s.channels {
		if n := ch.out.len(); n < avail {
			avail = n
		}
	}
	return avail
}

// Retrieve pulls up to frames samples per channel into output and returns
// the number of frames pulled. Channels missing from output are discarded.
func (s *Stretcher) Retrieve(output [][]float32, frames int) int {
	n := s.Available()
	if frames < n {
		n = frames
	}
	for c, ch := range s.channels {
		if c >= len(output) || output[c] == nil {
			ch.out.discard(n)
			continue
		}
		dst := output[c]
		if len(dst) > n {
			dst = dst[:n]
		}
		got := ch.out.pop(dst)
		ch.out.discard(n - got)
	}
	return n
}

// Reset drops all buffered input and output and clears phase history. The
// pitch scale is kept.
func (s *Stretcher) Reset() {
	for _, ch := range s.channels {
		clear(ch.frame)
		clear(ch.lastPhase)
		clear(ch.sumPhase)
		clear(ch.outAcc)
		ch.fill = s.latency
		ch.out.clear()
	}
}

// shift runs one analysis/synthesis hop on a full input frame and queues
// step output samples.
func (s *Stretcher) shift(ch *channelState) {
	n := s.frameSize
	half := n / 2

	// Windowing
	for k := 0; k < n; k++ {
		s.workBuffer[k] = complex(ch.frame[k]*s.window[k], 0)
	}

	// Plan and buffers are sized together in New, so the transforms cannot fail.
	_ = s.plan.Forward(s.spectrum, s.workBuffer)

	// Analysis
	for k := 0; k <= half; k++ {
		re := real(s.spectrum[k])
		im := imag(s.spectrum[k])

		// Compute magnitude and phase
		magn := 2 * math.Hypot(re, im)
		phase := math.Atan2(im, re)

		// Compute phase difference
		diff := phase - ch.lastPhase[k]
		ch.lastPhase[k] = phase

		// Subtract expected phase difference
		diff -= float64(k) * s.expected

		// Map delta phase to +/- π
		qpd := int(diff / math.Pi)
		if qpd >= 0 {
			qpd += qpd & 1
		} else {
			qpd -= qpd & 1
		}
		diff -= math.Pi * float64(qpd)

		// Get deviation from bin frequency
		diff *= float64(s.oversampling) / (math.Pi * 2.0)

		s.magnitudes[k] = magn
		s.frequencies[k] = (float64(k) + diff) * s.freqPerBin
	}

	// Do the actual pitch shifting
	clear(s.synthMagnitudes)
	clear(s.synthFrequencies)
	for k := 0; k <= half; k++ {
		l := int(float64(k) * s.pitchScale)
		if l <= half {
			s.synthMagnitudes[l] += s.magnitudes[k]
			s.synthFrequencies[l] = s.frequencies[k] * s.pitchScale
		}
	}

	// Synthesis
	for k := 0; k <= half; k++ {
		tmp := s.synthFrequencies[k]
		// Subtract bin mid frequency and get bin deviation
		tmp -= float64(k) * s.freqPerBin
		tmp /= s.freqPerBin
		// Include oversampling and add overlap phase advance
		tmp *= 2 * math.Pi / float64(s.oversampling)
		tmp += float64(k) * s.expected
		ch.sumPhase[k] += tmp
		s.spectrum[k] = cmplx.Rect(s.synthMagnitudes[k], ch.sumPhase[k])
	}

	// Zero negative frequencies
	for k := half + 1; k < n; k++ {
		s.spectrum[k] = 0
	}

	_ = s.plan.Inverse(s.workBuffer, s.spectrum)

	// Windowing and add to output accumulator
	for k := 0; k < n; k++ {
		ch.outAcc[k] += s.windowFactors[k] * real(s.workBuffer[k])
	}
	for k := 0; k < s.step; k++ {
		ch.out.push(float32(ch.outAcc[k]))
	}

	// Shift output accumulator and input frame
	copy(ch.outAcc, ch.outAcc[s.step:s.step+n])
	copy(ch.frame, ch.frame[s.step:])
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
