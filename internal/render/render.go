/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

// Package render runs a wav file through a filter offline.
package render

import (
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/rs/zerolog"

	"github.com/intermernet/pitchfilter/internal/stretcher"
)

// Processor shifts a block of planar audio in place.
type Processor interface {
	Process(buf [][]float32, frames int) stretcher.Status
}

// DefaultSampleRate is the rate the filter is built for.
const DefaultSampleRate beep.SampleRate = 48000

const (
	blockFrames     = 512
	resampleQuality = 4
)

// Options controls a render.
type Options struct {
	// SampleRate is the filter's rate. Input at another rate is resampled.
	SampleRate beep.SampleRate
	// Tail is the number of silent frames appended so the engine's latency
	// is flushed into the output.
	Tail int
	// Precision is the output sample size in bytes (1, 2 or 3).
	Precision int
}

// Stats describes a finished render.
type Stats struct {
	Frames    int
	Blocks    int
	Underruns int
}

// Render decodes wav from in, runs it through proc, and encodes the result
// as a stereo wav into out.
func Render(in io.Reader, out io.WriteSeeker, proc Processor, opts Options, log zerolog.Logger) (Stats, error) {
	if opts.SampleRate == 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Precision == 0 {
		opts.Precision = 2
	}

	src, format, err := wav.Decode(in)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to decode input: %w", err)
	}
	defer src.Close()

	log.Info().
		Int("sample_rate", int(format.SampleRate)).
		Int("channels", format.NumChannels).
		Int("frames", src.Len()).
		Msg("decoded input")

	var s beep.Streamer = src
	if format.SampleRate != opts.SampleRate {
		log.Debug().
			Int("from", int(format.SampleRate)).
			Int("to", int(opts.SampleRate)).
			Msg("resampling input")
		s = beep.Resample(resampleQuality, format.SampleRate, opts.SampleRate, s)
	}
	if opts.Tail > 0 {
		s = beep.Seq(s, beep.Silence(opts.Tail))
	}

	fs := newStreamer(s, proc)
	outFormat := beep.Format{
		SampleRate:  opts.SampleRate,
		NumChannels: 2,
		Precision:   opts.Precision,
	}
	if err := wav.Encode(out, fs, outFormat); err != nil {
		return fs.stats, fmt.Errorf("failed to encode output: %w", err)
	}
	if err := fs.Err(); err != nil {
		return fs.stats, fmt.Errorf("failed to read input: %w", err)
	}

	log.Info().
		Int("frames", fs.stats.Frames).
		Int("underruns", fs.stats.Underruns).
		Msg("render finished")
	return fs.stats, nil
}

// filterStreamer pulls stereo samples from src in blocks and passes each
// block through proc.
type filterStreamer struct {
	src    beep.Streamer
	proc   Processor
	in     [][2]float64
	planes [][]float32
	view   [][]float32
	stats  Stats
}

func newStreamer(src beep.Streamer, proc Processor) *filterStreamer {
	return &filterStreamer{
		src:    src,
		proc:   proc,
		in:     make([][2]float64, blockFrames),
		planes: [][]float32{make([]float32, blockFrames), make([]float32, blockFrames)},
		view:   make([][]float32, 2),
	}
}

func (f *filterStreamer) Stream(samples [][2]float64) (int, bool) {
	n := 0
	for n < len(samples) {
		want := min(len(samples)-n, blockFrames)
		got, ok := f.src.Stream(f.in[:want])
		if got > 0 {
			f.process(samples[n:n+got], got)
			n += got
		}
		if !ok || got < want {
			break
		}
	}
	return n, n > 0
}

func (f *filterStreamer) process(dst [][2]float64, frames int) {
	for c := range f.planes {
		f.view[c] = f.planes[c][:frames]
	}
	for i := 0; i < frames; i++ {
		f.view[0][i] = float32(f.in[i][0])
		f.view[1][i] = float32(f.in[i][1])
	}
	if f.proc.Process(f.view, frames) == stretcher.StatusNotReady {
		f.stats.Underruns++
	}
	for i := 0; i < frames; i++ {
		dst[i] = [2]float64{float64(f.view[0][i]), float64(f.view[1][i])}
	}
	f.stats.Frames += frames
	f.stats.Blocks++
}

func (f *filterStreamer) Err() error { return f.src.Err() }
