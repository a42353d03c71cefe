/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package host

import (
	"encoding/binary"
	"math"
)

const bytesPerSample = 4

// Helper functions to convert interleaved little-endian float32 PCM to and
// from per-channel planes.

// deinterleave fills the first frames samples of every plane from data.
func deinterleave(planes [][]float32, data []byte, frames int) {
	channels := len(planes)
	stride := channels * bytesPerSample
	for i := 0; i < frames && (i+1)*stride <= len(data); i++ {
		for c := 0; c < channels; c++ {
			off := i*stride + c*bytesPerSample
			planes[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		}
	}
}

// interleave writes the first frames samples of every plane into data.
func interleave(data []byte, planes [][]float32, frames int) {
	channels := len(planes)
	stride := channels * bytesPerSample
	for i := 0; i < frames && (i+1)*stride <= len(data); i++ {
		for c := 0; c < channels; c++ {
			off := i*stride + c*bytesPerSample
			binary.LittleEndian.PutUint32(data[off:], math.Float32bits(planes[c][i]))
		}
	}
}
