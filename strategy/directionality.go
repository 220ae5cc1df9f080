package strategy

import (
	"math"

	"github.com/Carsten0007/Tradingbot-2/indicators"
)

// TickWindow keeps the most recent tick mids for the directionality
// diagnostic. It never feeds trade decisions.
type TickWindow struct {
	mids *indicators.Ring[float64]
}

func NewTickWindow(size int) *TickWindow {
	if size < 2 {
		size = 2
	}
	return &TickWindow{mids: indicators.NewRing[float64](size)}
}

func (w *TickWindow) Push(mid float64) { w.mids.Push(mid) }

func (w *TickWindow) Len() int { return w.mids.Len() }

// Directionality is the signed ratio of net move to path length over the
// window: +1 straight up, -1 straight down, near 0 choppy.
func (w *TickWindow) Directionality() float64 {
	n := w.mids.Len()
	if n < 2 {
		return 0
	}
	net := w.mids.Get(n-1) - w.mids.Get(0)
	path := 0.0
	for i := 1; i < n; i++ {
		path += math.Abs(w.mids.Get(i) - w.mids.Get(i-1))
	}
	if path == 0 {
		return 0
	}
	return net / path
}

// Regime labels the window "trend" when |directionality| reaches
// threshold, "chop" otherwise.
func (w *TickWindow) Regime(threshold float64) string {
	if w.mids.Len() < 2 {
		return "unknown"
	}
	if math.Abs(w.Directionality()) >= threshold {
		return "trend"
	}
	return "chop"
}
