package telemetry

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/geometry"
)

// Sample is one snapshot of the filter taken on a control tick.
type Sample struct {
	T         float64       `json:"t"`         // seconds since the first sample
	FrameTime float64       `json:"frame_time"` // ms since the previous sample
	MeasuredA float64       `json:"measured_a"`
	MeasuredB float64       `json:"measured_b"`
	FilterA   float64       `json:"filter_a"` // range from the estimate to anchor A
	FilterB   float64       `json:"filter_b"`
	Gain      [3][2]float64 `json:"gain"` // rows x, y, θ; columns anchor A, B
	Cov       [3][3]float64 `json:"cov"`
}

// NewSample builds a sample from the measured ranges and the current filter
// state. Filters with a 2-dimensional state leave the θ row and column zero.
func NewSample(measured [2]float64, pos r2.Vec, anchors geometry.Anchors, gain mat.Matrix, cov mat.Matrix) Sample {
	s := Sample{
		MeasuredA: measured[0],
		MeasuredB: measured[1],
		FilterA:   r2.Norm(r2.Sub(pos, anchors.A)),
		FilterB:   r2.Norm(r2.Sub(pos, anchors.B)),
	}
	if gain != nil {
		r, c := gain.Dims()
		for i := 0; i < r && i < 3; i++ {
			for j := 0; j < c && j < 2; j++ {
				s.Gain[i][j] = gain.At(i, j)
			}
		}
	}
	if cov != nil {
		r, c := cov.Dims()
		for i := 0; i < r && i < 3; i++ {
			for j := 0; j < c && j < 3; j++ {
				s.Cov[i][j] = cov.At(i, j)
			}
		}
	}
	return s
}

// History is a rolling record of samples. It is safe for concurrent use:
// the control loop records while HTTP handlers read.
type History struct {
	mu      sync.Mutex
	samples *Buffer[Sample]
	start   time.Time
	last    time.Time
}

// NewHistory returns a history holding at most capacity samples.
func NewHistory(capacity int) *History {
	return &History{samples: NewBuffer[Sample](capacity)}
}

// Record stamps s with its time offset and frame time and appends it.
func (h *History) Record(now time.Time, s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.start.IsZero() {
		h.start = now
		h.last = now
	}
	s.T = now.Sub(h.start).Seconds()
	s.FrameTime = float64(now.Sub(h.last)) / float64(time.Millisecond)
	h.last = now
	h.samples.Push(s)
}

// Samples returns the retained samples oldest first.
func (h *History) Samples() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.samples.Values()
}

// Len returns the number of retained samples.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.samples.Len()
}

// AverageFrameTime returns the mean frame time in ms over the retained
// samples, ignoring the first sample of a run.
func (h *History) AverageFrameTime() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sum float64
	var n int
	for _, s := range h.samples.Values() {
		if s.T == 0 {
			continue
		}
		sum += s.FrameTime
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Reset clears the history and restarts the time base.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples.Reset()
	h.start = time.Time{}
	h.last = time.Time{}
}
