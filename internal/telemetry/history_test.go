package telemetry

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/fsutil"
	"github.com/banshee-data/rangeloc/internal/geometry"
)

var testAnchors = geometry.Anchors{A: r2.Vec{X: 0, Y: 0}, B: r2.Vec{X: 3, Y: 0}}

func TestNewSample(t *testing.T) {
	gain := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	cov := mat.NewSymDense(3, []float64{1, 0.1, 0.2, 0.1, 2, 0.3, 0.2, 0.3, 3})

	s := NewSample([2]float64{5.1, 4.9}, r2.Vec{X: 0, Y: 4}, testAnchors, gain, cov)

	assert.Equal(t, 5.1, s.MeasuredA)
	assert.Equal(t, 4.9, s.MeasuredB)
	assert.InDelta(t, 4.0, s.FilterA, 1e-12)
	assert.InDelta(t, 5.0, s.FilterB, 1e-12)
	assert.Equal(t, [3][2]float64{{1, 2}, {3, 4}, {5, 6}}, s.Gain)
	assert.Equal(t, 0.3, s.Cov[2][1])
	assert.Equal(t, 3.0, s.Cov[2][2])
}

func TestNewSampleTwoState(t *testing.T) {
	gain := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	cov := mat.NewSymDense(2, []float64{1, 0, 0, 1})

	s := NewSample([2]float64{1, 1}, r2.Vec{X: 1, Y: 1}, testAnchors, gain, cov)

	assert.Equal(t, [2]float64{0, 0}, s.Gain[2], "theta row stays zero")
	assert.Equal(t, 0.0, s.Cov[2][2])
	assert.Equal(t, 1.0, s.Cov[1][1])
}

func TestHistoryRecord(t *testing.T) {
	h := NewHistory(3)
	t0 := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		h.Record(t0.Add(time.Duration(i)*20*time.Millisecond), Sample{MeasuredA: float64(i)})
	}

	samples := h.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, 2.0, samples[0].MeasuredA, "oldest samples are evicted")
	assert.InDelta(t, 0.08, samples[2].T, 1e-9)
	assert.InDelta(t, 20.0, samples[2].FrameTime, 1e-9)
	assert.InDelta(t, 20.0, h.AverageFrameTime(), 1e-9)
}

func TestHistoryAverageIgnoresFirstSample(t *testing.T) {
	h := NewHistory(10)
	t0 := time.Unix(0, 0)
	h.Record(t0, Sample{})
	assert.Equal(t, 0.0, h.AverageFrameTime())

	h.Record(t0.Add(10*time.Millisecond), Sample{})
	h.Record(t0.Add(40*time.Millisecond), Sample{})
	assert.InDelta(t, 20.0, h.AverageFrameTime(), 1e-9)

	h.Reset()
	assert.Equal(t, 0, h.Len())
	h.Record(t0.Add(time.Hour), Sample{})
	assert.Equal(t, 0.0, h.Samples()[0].T, "time base restarts after Reset")
}

func sineHistory(n int) *History {
	h := NewHistory(DefaultCapacity)
	t0 := time.Unix(0, 0)
	for i := 0; i < n; i++ {
		v := math.Sin(float64(i) / 10)
		h.Record(t0.Add(time.Duration(i)*20*time.Millisecond), Sample{
			MeasuredA: 2 + v, MeasuredB: 2 - v, FilterA: 2 + v/2, FilterB: 2 - v/2,
			Gain: [3][2]float64{{v, -v}, {v / 2, 0}, {0, v / 3}},
			Cov:  [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 0.1 + v*v}},
		})
	}
	return h
}

func TestWritePlots(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	h := sineHistory(50)

	paths, err := h.WritePlots(fsys, "plots/run1")
	require.NoError(t, err)
	require.Len(t, paths, 4)

	for _, p := range paths {
		data, err := fsys.ReadFile(p)
		require.NoError(t, err, p)
		assert.True(t, strings.HasPrefix(string(data), "\x89PNG"), "%s is not a PNG", p)
	}
	assert.True(t, fsys.Exists("plots/run1/ranges.png"))
}

func TestWritePlotsEmpty(t *testing.T) {
	_, err := NewHistory(5).WritePlots(fsutil.NewMemoryFileSystem(), "out")
	assert.Error(t, err)
}

func TestChartHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ChartHandler(sineHistory(20)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/charts", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "Anchor Ranges")
	assert.Contains(t, body, "Frame Time")
	assert.Contains(t, body, "rangeloc telemetry")
}

func TestChartHandlerEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	ChartHandler(NewHistory(5)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/charts", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
