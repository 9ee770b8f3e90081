package telemetry

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/rangeloc/internal/httputil"
)

// ChartHandler renders the history as an HTML page of line charts. This is a
// debugging-only endpoint.
func ChartHandler(h *History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		samples := h.Samples()
		if len(samples) == 0 {
			httputil.WriteJSONError(w, http.StatusNotFound, "no samples recorded")
			return
		}

		xs := make([]string, len(samples))
		for i, s := range samples {
			xs[i] = fmt.Sprintf("%.2f", s.T)
		}

		page := components.NewPage()
		page.SetPageTitle("rangeloc telemetry")
		for _, spec := range plotSpecs {
			page.AddCharts(newLineChart(spec, xs, samples, h.AverageFrameTime()))
		}

		var buf bytes.Buffer
		if err := page.Render(&buf); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}
}

func newLineChart(spec plotSpec, xs []string, samples []Sample, avgFrame float64) *charts.Line {
	subtitle := fmt.Sprintf("samples=%d", len(samples))
	if spec.file == "frametime.png" {
		subtitle = fmt.Sprintf("samples=%d avg=%.1fms", len(samples), avgFrame)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: spec.title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: spec.yLabel, Scale: opts.Bool(true)}),
	)
	line.SetXAxis(xs)
	for _, s := range spec.series {
		data := make([]opts.LineData, len(samples))
		for i, smp := range samples {
			data[i] = opts.LineData{Value: s.value(smp)}
		}
		line.AddSeries(s.name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line
}
