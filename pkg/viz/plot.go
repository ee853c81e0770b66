// Package viz serves live plots of streamed samples along with stream
// statistics and Prometheus metrics.
package viz

import (
	"bytes"
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
)

type PlotOptions func(p *plot.Plot)

type ImageContainer struct {
	name string
	data []byte
}

func (i *ImageContainer) Name() string { return i.name }
func (i *ImageContainer) Data() []byte { return i.data }

// Producer renders one image on demand. GetImage returns nil when there is
// nothing to draw yet.
type Producer interface {
	Name() string
	GetImage() (*ImageContainer, error)
	AddPlotOption(opt PlotOptions)
}

func plotWithDefaults() *plot.Plot {
	p := plot.New()
	p.BackgroundColor = color.Black
	p.Title.TextStyle.Color = color.White
	p.Legend.TextStyle.Color = color.White
	for _, ax := range []*plot.Axis{&p.X, &p.Y} {
		ax.Color = color.White
		ax.Label.TextStyle.Color = color.White
		ax.Tick.Color = color.White
		ax.Tick.Label.Color = color.White
	}
	return p
}

func render(name string, p *plot.Plot) (*ImageContainer, error) {
	w, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", name, err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", name, err)
	}
	return &ImageContainer{name: name, data: buf.Bytes()}, nil
}

func blackmanWindow(n int) []float64 {
	ret := make([]float64, n)
	m := float64(n - 1)
	for i := range ret {
		fi := float64(i)
		ret[i] = 0.42 - 0.5*math.Cos(2*math.Pi*fi/m) + 0.08*math.Cos(4*math.Pi*fi/m)
	}
	return ret
}
