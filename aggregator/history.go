package aggregator

import "github.com/Carsten0007/Tradingbot-2/indicators"

// DefaultHistoryCapacity bounds the close history kept per instrument.
const DefaultHistoryCapacity = 200

// History is a bounded FIFO of closed-bar mid prices. It feeds the moving
// averages only and is never used to price orders.
type History struct {
	ring *indicators.Ring[float64]
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{ring: indicators.NewRing[float64](capacity)}
}

// Push appends the mid close of a sealed bar.
func (h *History) Push(mid float64) { h.ring.Push(mid) }

// Closes returns a copy, oldest first.
func (h *History) Closes() []float64 { return h.ring.Slice() }

func (h *History) Len() int { return h.ring.Len() }
