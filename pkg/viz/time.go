package viz

import (
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

type PlotType int

const (
	PlotTypeDefault PlotType = iota
	PlotTypeScatter
	PlotTypeLines
)

// TimeDomainPlotter draws the I and Q components of the most recent samples.
type TimeDomainPlotter struct {
	name string
	size int

	mu          sync.Mutex
	buf         []complex64
	plotFunc    func(*plot.Plot, ...interface{}) error
	plotOptions []PlotOptions
}

func NewTimeDomainPlotter(name string, size int) *TimeDomainPlotter {
	return &TimeDomainPlotter{
		name:     name,
		size:     size,
		plotFunc: plotutil.AddLines,
	}
}

func (tp *TimeDomainPlotter) Name() string { return tp.name }

func (tp *TimeDomainPlotter) SetPlotType(t PlotType) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	switch t {
	case PlotTypeScatter:
		tp.plotFunc = plotutil.AddScatters
	default:
		tp.plotFunc = plotutil.AddLines
	}
}

func (tp *TimeDomainPlotter) AddPlotOption(opt PlotOptions) {
	tp.mu.Lock()
	tp.plotOptions = append(tp.plotOptions, opt)
	tp.mu.Unlock()
}

func (tp *TimeDomainPlotter) AppendComplex(s []complex64) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.buf = append(tp.buf, s...)
	if len(tp.buf) > tp.size {
		tp.buf = tp.buf[len(tp.buf)-tp.size:]
	}
}

func (tp *TimeDomainPlotter) GetImage() (*ImageContainer, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.buf) < tp.size {
		return nil, nil
	}

	p := plotWithDefaults()
	p.Title.Text = tp.name
	p.Y.Label.Text = "Amplitude"
	p.Y.Min = -1
	p.Y.Max = 1
	p.X.Label.Text = "Sample"
	for _, opt := range tp.plotOptions {
		opt(p)
	}
	p.Add(plotter.NewGrid())

	i := make(plotter.XYs, tp.size)
	q := make(plotter.XYs, tp.size)
	for n, v := range tp.buf {
		i[n] = plotter.XY{X: float64(n), Y: float64(real(v))}
		q[n] = plotter.XY{X: float64(n), Y: float64(imag(v))}
	}
	if err := tp.plotFunc(p, "I", i, "Q", q); err != nil {
		return nil, err
	}

	return render(tp.name, p)
}
