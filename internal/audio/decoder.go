package audio

import (
	"fmt"
	"time"
)

// Buffer is one chunk's worth of decoded audio: normalized float samples at
// the stream sample rate. A Buffer is consumed exactly once by the sink.
type Buffer struct {
	Samples  []float32
	Duration time.Duration
}

// Decoder converts raw PCM16 little-endian mono bytes into float buffers.
// An optional symmetric crossfade window (linear ramp over N samples at each
// edge) removes clicks at chunk boundaries.
type Decoder struct {
	sampleRate       int
	crossfadeSamples int
}

func NewDecoder(sampleRate, crossfadeSamples int) *Decoder {
	if crossfadeSamples < 0 {
		crossfadeSamples = 0
	}
	return &Decoder{
		sampleRate:       sampleRate,
		crossfadeSamples: crossfadeSamples,
	}
}

func (d *Decoder) SampleRate() int {
	return d.sampleRate
}

func (d *Decoder) Decode(data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(data))
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		sample := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(sample) / 32768.0
	}

	// Crossfade is skipped when the buffer is too short to hold both ramps.
	if n := d.crossfadeSamples; n > 0 && len(samples) >= 2*n {
		for i := 0; i < n; i++ {
			g := float32(i) / float32(n)
			samples[i] *= g
			samples[len(samples)-1-i] *= g
		}
	}

	return &Buffer{
		Samples:  samples,
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(d.sampleRate),
	}, nil
}
