package strategy

import (
	"math"

	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/indicators"
	"github.com/Carsten0007/Tradingbot-2/models"
)

// EvaluateTrend turns a close history and the current spread into a trade
// recommendation. It reads nothing but its arguments.
//
// A non-positive spread disables the overextension filter and makes any
// positive close delta clear the trade barrier.
func EvaluateTrend(p config.Params, closes []float64, spread float64) models.Signal {
	family := p.MAFamily
	if family == "" {
		family = models.FamilyEMA
	}
	sig := models.Signal{Family: family, Spread: spread}

	maFast, okFast := indicators.MovingAverage(family, closes, p.FastPeriod)
	maSlow, okSlow := indicators.MovingAverage(family, closes, p.SlowPeriod)
	if !okFast || !okSlow || len(closes) < 2 {
		sig.Reason = models.ReasonInsufficientData
		return sig
	}
	sig.MAFast, sig.MASlow = maFast, maSlow

	n := len(closes)
	lastClose, prevClose := closes[n-1], closes[n-2]
	sig.LastClose = lastClose
	if spread < 0 {
		spread = 0
	}

	if spread > 0 {
		maxDistance := spread * p.MaxDistanceSpreadsFactor
		if math.Abs(lastClose-maFast) > maxDistance {
			sig.Reason = models.ReasonOverextended
			return sig
		}
	}

	up := maFast > maSlow
	down := maFast < maSlow
	momentumNow := lastClose - prevClose
	if n >= 3 {
		momentumPrev := prevClose - closes[n-3]
		if up && momentumNow < momentumPrev*p.MomentumTolerance {
			sig.Reason = models.ReasonMomentumWeak
			return sig
		}
		if down && momentumNow > momentumPrev*p.MomentumTolerance {
			sig.Reason = models.ReasonMomentumWeak
			return sig
		}
	}

	barrier := p.TradeBarrier * spread
	switch {
	case up && momentumNow > barrier:
		sig.Kind = models.SignalBuy
	case down && -momentumNow > barrier:
		sig.Kind = models.SignalSell
	default:
		sig.Reason = models.ReasonIndecisive
	}
	return sig
}
