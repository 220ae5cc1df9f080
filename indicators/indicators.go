package indicators

import (
	"math"

	"github.com/Carsten0007/Tradingbot-2/models"
)

// EMA calculates the exponential moving average of src. The average is
// seeded with src[0], not with an SMA of the first period values.
// ok is false when len(src) < period.
func EMA(src []float64, period int) (float64, bool) {
	if period <= 0 || len(src) < period {
		return 0, false
	}

	multiplier := 2.0 / float64(period+1)
	ema := src[0]
	for i := 1; i < len(src); i++ {
		ema = (src[i] * multiplier) + (ema * (1 - multiplier))
	}
	return ema, true
}

// WMA is the linearly weighted average of the last period values, weights
// 1..period with the newest value weighted highest.
func WMA(src []float64, period int) (float64, bool) {
	if period <= 0 || len(src) < period {
		return 0, false
	}

	window := src[len(src)-period:]
	var sum, norm float64
	for i, v := range window {
		w := float64(i + 1)
		sum += v * w
		norm += w
	}
	return sum / norm, true
}

// HMA calculates the Hull moving average:
//
//	raw[i] = 2*WMA(window_i, period/2) - WMA(window_i, period)
//	HMA    = WMA(raw, floor(sqrt(period)))
//
// where window_i is the period-long window ending at i. Defined once
// len(src) >= HMAMinLen(period).
func HMA(src []float64, period int) (float64, bool) {
	half := period / 2
	root := int(math.Floor(math.Sqrt(float64(period))))
	if half < 1 || root < 1 || len(src) < period {
		return 0, false
	}

	raw := make([]float64, 0, len(src)-period+1)
	for end := period; end <= len(src); end++ {
		window := src[end-period : end]
		wHalf, _ := WMA(window, half)
		wFull, _ := WMA(window, period)
		raw = append(raw, 2*wHalf-wFull)
	}
	return WMA(raw, root)
}

// HMAMinLen is the shortest series for which HMA is defined.
func HMAMinLen(period int) int {
	return period + int(math.Floor(math.Sqrt(float64(period)))) - 1
}

// MovingAverage dispatches on the configured family.
func MovingAverage(family models.MAFamily, src []float64, period int) (float64, bool) {
	if family == models.FamilyHMA {
		return HMA(src, period)
	}
	return EMA(src, period)
}
