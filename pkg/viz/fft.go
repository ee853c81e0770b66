package viz

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// Weight of the newest frame in the running power average.
const fftAverage = 0.10

// SpectrumPlotter keeps the most recent samples of a stream and draws their
// averaged power spectrum.
type SpectrumPlotter struct {
	name       string
	size       int
	sampleRate int
	fft        *fourier.CmplxFFT
	window     []float64

	mu           sync.Mutex
	buf          []complex64
	filled       int
	averagePower []float64
	plotOptions  []PlotOptions
}

func NewSpectrumPlotter(name string, size, sampleRate int) *SpectrumPlotter {
	return &SpectrumPlotter{
		name:         name,
		size:         size,
		sampleRate:   sampleRate,
		fft:          fourier.NewCmplxFFT(size),
		window:       blackmanWindow(size),
		buf:          make([]complex64, size),
		averagePower: make([]float64, size),
	}
}

func (sp *SpectrumPlotter) Name() string { return sp.name }

func (sp *SpectrumPlotter) AddPlotOption(opt PlotOptions) {
	sp.mu.Lock()
	sp.plotOptions = append(sp.plotOptions, opt)
	sp.mu.Unlock()
}

// AppendComplex keeps the last size samples seen.
func (sp *SpectrumPlotter) AppendComplex(s []complex64) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(s) >= sp.size {
		copy(sp.buf, s[len(s)-sp.size:])
	} else {
		copy(sp.buf, sp.buf[len(s):])
		copy(sp.buf[sp.size-len(s):], s)
	}
	sp.filled = min(sp.size, sp.filled+len(s))
}

func (sp *SpectrumPlotter) GetImage() (*ImageContainer, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.filled < sp.size {
		return nil, nil
	}

	p := plotWithDefaults()
	p.Title.Text = sp.name
	p.Y.Label.Text = "Power (dB)"
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Max = 0
	p.Y.Min = -120
	for _, opt := range sp.plotOptions {
		opt(p)
	}
	p.Add(plotter.NewGrid())

	// Normalize by the coherent gain of the window.
	norm := 0.42 * float64(sp.size)
	data := make([]complex128, sp.size)
	for i, v := range sp.buf {
		data[i] = complex128(v) * complex(sp.window[i]/norm, 0)
	}
	coeffs := sp.fft.Coefficients(nil, data)

	pts := make(plotter.XYs, sp.size)
	for i := range coeffs {
		idx := sp.fft.ShiftIdx(i)
		mag := cmplx.Abs(coeffs[idx])
		sp.averagePower[i] = (1-fftAverage)*sp.averagePower[i] + fftAverage*mag
		db := -200.0
		if sp.averagePower[i] > 0 {
			db = 20 * math.Log10(sp.averagePower[i])
		}
		pts[i] = plotter.XY{X: sp.fft.Freq(idx) * float64(sp.sampleRate), Y: db}
	}
	if err := plotutil.AddLines(p, "spectrum", pts); err != nil {
		return nil, err
	}

	return render(sp.name, p)
}
