package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/models"
)

func testParams() config.Params {
	p := config.DefaultParams()
	p.FastPeriod = 3
	p.SlowPeriod = 8
	return p
}

func series(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func TestEvaluateTrendRisingSeriesBuys(t *testing.T) {
	for _, fam := range []models.MAFamily{models.FamilyEMA, models.FamilyHMA} {
		p := testParams()
		p.MAFamily = fam
		sig := EvaluateTrend(p, series(100, 1, 30), 0.5)
		assert.Equal(t, models.SignalBuy, sig.Kind, "family %s: %s", fam, sig)
		assert.Greater(t, sig.MAFast, sig.MASlow)
		assert.Equal(t, fam, sig.Family)
	}
}

func TestEvaluateTrendFallingSeriesSells(t *testing.T) {
	sig := EvaluateTrend(testParams(), series(200, -1, 30), 0.5)
	assert.Equal(t, models.SignalSell, sig.Kind, sig.String())
}

func TestEvaluateTrendFlatSeriesHolds(t *testing.T) {
	sig := EvaluateTrend(testParams(), series(100, 0, 30), 0.5)
	assert.Equal(t, models.SignalHold, sig.Kind)
	assert.Equal(t, models.ReasonIndecisive, sig.Reason)
}

func TestEvaluateTrendInsufficientData(t *testing.T) {
	sig := EvaluateTrend(testParams(), series(100, 1, 5), 0.5)
	assert.Equal(t, models.SignalHold, sig.Kind)
	assert.Equal(t, models.ReasonInsufficientData, sig.Reason)
}

func TestEvaluateTrendOverextended(t *testing.T) {
	p := testParams()
	p.MaxDistanceSpreadsFactor = 1
	sig := EvaluateTrend(p, series(100, 1, 30), 0.5)
	assert.Equal(t, models.SignalHold, sig.Kind)
	assert.Equal(t, models.ReasonOverextended, sig.Reason)
}

func TestEvaluateTrendMomentumWeakening(t *testing.T) {
	closes := series(100, 1, 30)
	// last step much smaller than the one before
	closes[len(closes)-1] = closes[len(closes)-2] + 0.2
	sig := EvaluateTrend(testParams(), closes, 0.1)
	assert.Equal(t, models.SignalHold, sig.Kind)
	assert.Equal(t, models.ReasonMomentumWeak, sig.Reason)
}

func TestEvaluateTrendBarrierBlocksSmallMoves(t *testing.T) {
	p := testParams()
	p.TradeBarrier = 5
	p.MaxDistanceSpreadsFactor = 1000
	sig := EvaluateTrend(p, series(100, 1, 30), 0.5)
	assert.Equal(t, models.SignalHold, sig.Kind)
	assert.Equal(t, models.ReasonIndecisive, sig.Reason)
}

func TestEvaluateTrendZeroSpreadStillDecides(t *testing.T) {
	sig := EvaluateTrend(testParams(), series(100, 1, 30), 0)
	assert.Equal(t, models.SignalBuy, sig.Kind)
}

func TestTickWindowDirectionality(t *testing.T) {
	w := NewTickWindow(5)
	for _, m := range []float64{1, 2, 3, 4, 5} {
		w.Push(m)
	}
	assert.InDelta(t, 1.0, w.Directionality(), 1e-12)
	assert.Equal(t, "trend", w.Regime(0.6))

	c := NewTickWindow(5)
	for _, m := range []float64{1, 2, 1, 2, 1} {
		c.Push(m)
	}
	assert.InDelta(t, 0.0, c.Directionality(), 1e-12)
	assert.Equal(t, "chop", c.Regime(0.6))

	assert.Equal(t, "unknown", NewTickWindow(5).Regime(0.6))
}
