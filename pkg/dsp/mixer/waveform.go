package mixer

import (
	"math"
)

const (
	tau float64 = math.Pi * 2
)

// Oscillator generates a continuous complex sinusoid. Its phase carries
// across calls, so consecutive buffers join without a discontinuity.
type Oscillator struct {
	amplitude      float64
	phase          float64
	phaseIncrement float64
}

func (o *Oscillator) incrementPhase() {
	o.phase += o.phaseIncrement
	if o.phase > tau {
		o.phase -= tau
	} else if o.phase < -tau {
		o.phase += tau
	}
}

func NewOscillator(sampleRate int, frequency float64, amplitude float64) *Oscillator {
	return &Oscillator{
		amplitude:      amplitude,
		phaseIncrement: frequency * tau / float64(sampleRate),
	}
}

// Fill overwrites output with the next len(output) samples.
func (o *Oscillator) Fill(output []complex64) {
	for i := range output {
		sin, cos := math.Sincos(o.phase)
		output[i] = complex(float32(o.amplitude*cos), float32(o.amplitude*sin))
		o.incrementPhase()
	}
}
