package telemetry

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/rangeloc/internal/fsutil"
)

// series is one named line extracted from the samples.
type series struct {
	name  string
	value func(Sample) float64
}

var (
	rangeSeries = []series{
		{"range A", func(s Sample) float64 { return s.MeasuredA }},
		{"range B", func(s Sample) float64 { return s.MeasuredB }},
		{"kalman A", func(s Sample) float64 { return s.FilterA }},
		{"kalman B", func(s Sample) float64 { return s.FilterB }},
	}
	frameSeries = []series{
		{"frame time", func(s Sample) float64 { return s.FrameTime }},
	}
	gainSeries = matrixSeries("K", 3, 2, func(s Sample, i, j int) float64 { return s.Gain[i][j] })
	covSeries  = matrixSeries("P", 3, 3, func(s Sample, i, j int) float64 { return s.Cov[i][j] })
)

var stateNames = [3]string{"x", "y", "θ"}
var columnNames = map[int][]string{
	2: {"r_a", "r_b"},
	3: {"x", "y", "θ"},
}

func matrixSeries(prefix string, rows, cols int, at func(Sample, int, int) float64) []series {
	out := make([]series, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, series{
				name:  fmt.Sprintf("%s(%s, %s)", prefix, stateNames[i], columnNames[cols][j]),
				value: func(s Sample) float64 { return at(s, i, j) },
			})
		}
	}
	return out
}

type plotSpec struct {
	file   string
	title  string
	yLabel string
	series []series
}

var plotSpecs = []plotSpec{
	{"ranges.png", "Anchor Ranges", "Range (m)", rangeSeries},
	{"gain.png", "K Matrix", "Gain", gainSeries},
	{"covariance.png", "P Matrix", "Variance", covSeries},
	{"frametime.png", "Frame Time", "Frame time (ms)", frameSeries},
}

// WritePlots renders the history as PNG line plots into dir and returns the
// written paths.
func (h *History) WritePlots(fsys fsutil.FileSystem, dir string) ([]string, error) {
	samples := h.Samples()
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples recorded")
	}

	written := make([]string, 0, len(plotSpecs))
	for _, spec := range plotSpecs {
		p, err := newLinePlot(spec, samples)
		if err != nil {
			return written, fmt.Errorf("%s: %w", spec.file, err)
		}
		canvas := vgimg.PngCanvas{Canvas: vgimg.New(10*vg.Inch, 4*vg.Inch)}
		p.Draw(draw.New(canvas))
		path := filepath.Join(dir, spec.file)
		err = fsutil.WriteFileAtomic(fsys, path, func(w io.Writer) error {
			_, err := canvas.WriteTo(w)
			return err
		})
		if err != nil {
			return written, fmt.Errorf("save %s: %w", spec.file, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func newLinePlot(spec plotSpec, samples []Sample) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = spec.title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = spec.yLabel

	for i, s := range spec.series {
		pts := make(plotter.XYs, len(samples))
		for k, smp := range samples {
			pts[k] = plotter.XY{X: smp.T, Y: s.value(smp)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("line %s: %w", s.name, err)
		}
		line.Color = seriesColor(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func seriesColor(i int) color.Color {
	return plotutil.Color(i)
}
