package audio

import (
	"fmt"
	"math"
)

// LinearResampler converts between sample rates with linear interpolation.
// Fast and dependency-free; fine for speech, not for music.
type LinearResampler struct{}

func NewLinearResampler() *LinearResampler {
	return &LinearResampler{}
}

// Resample maps input at inputRate to outputRate:
//
//	position = outputIndex * inputRate / outputRate
//	output[outputIndex] = lerp(input[floor(position)], input[floor(position)+1], frac)
func (r *LinearResampler) Resample(input []float32, inputRate, outputRate int) ([]float32, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: input=%d, output=%d", inputRate, outputRate)
	}
	if len(input) == 0 {
		return []float32{}, nil
	}
	if inputRate == outputRate {
		out := make([]float32, len(input))
		copy(out, input)
		return out, nil
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(math.Ceil(float64(len(input)) / ratio))
	output := make([]float32, outputLen)

	for i := 0; i < outputLen; i++ {
		position := float64(i) * ratio
		idx := int(position)
		frac := position - float64(idx)

		if idx >= len(input)-1 {
			idx = len(input) - 2
			if idx < 0 {
				idx = 0
			}
			frac = 1.0
		}

		next := idx + 1
		if next >= len(input) {
			next = idx
		}

		output[i] = float32(float64(input[idx])*(1.0-frac) + float64(input[next])*frac)
	}

	return output, nil
}
