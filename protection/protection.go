// Package protection enforces stop-loss, take-profit, trailing stop and
// break-even rules on every tick.
package protection

import (
	"time"

	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/logging"
	"github.com/Carsten0007/Tradingbot-2/models"
)

// Exit reasons
const (
	ReasonStopLoss     = "stop loss"
	ReasonTrailingStop = "trailing stop"
	ReasonBreakEven    = "break-even stop"
	ReasonTakeProfit   = "take profit"
)

// DefaultDebounce suppresses repeated close requests for one deal.
const DefaultDebounce = 3 * time.Second

// Decision is the outcome of one evaluation.
type Decision struct {
	Close        bool
	Reason       string
	TriggerPrice float64
	// Suppressed is set when a breach was found inside the debounce window.
	Suppressed bool
	StopMoved  bool
}

// Monitor evaluates open positions against the current quote. It mutates
// only the stop fields of the position it is given.
type Monitor struct {
	Logger   logging.LoggerInterface
	debounce time.Duration
	now      func() time.Time
	lastExit map[string]time.Time // by deal id
}

func NewMonitor(debounce time.Duration, logger logging.LoggerInterface) *Monitor {
	if logger == nil {
		logger = logging.Nop{}
	}
	if debounce < 0 {
		debounce = 0
	}
	return &Monitor{
		Logger:   logger,
		debounce: debounce,
		now:      time.Now,
		lastExit: make(map[string]time.Time),
	}
}

// side is +1 for BUY and -1 for SELL; s*(a-b) > 0 means a is better than b
// for the position.
func side(d models.Direction) float64 {
	if d == models.Sell {
		return -1
	}
	return 1
}

// Levels computes the static and dynamic protection levels of pos.
func Levels(pos *models.OpenPosition, p config.Params) models.Levels {
	if pos == nil || pos.EntryPrice <= 0 {
		return models.Levels{}
	}
	s := side(pos.Direction)
	lv := models.Levels{
		Entry:        pos.EntryPrice,
		TrailingStop: pos.TrailingStop,
		BreakEven:    pos.BreakEvenLevel,
	}
	if p.StopLossPct > 0 {
		lv.StopLoss = pos.EntryPrice * (1 - s*p.StopLossPct)
	}
	if p.TakeProfitPct > 0 {
		lv.TakeProfit = pos.EntryPrice * (1 + s*p.TakeProfitPct)
	}
	return lv
}

// Evaluate runs the rules in order: break-even activation, trailing
// advancement, break-even floor, exit check. A tick without a usable quote
// is skipped.
func (m *Monitor) Evaluate(pos *models.OpenPosition, t models.Tick, p config.Params) Decision {
	if pos == nil || pos.EntryPrice <= 0 || !t.HasQuote() {
		return Decision{}
	}
	s := side(pos.Direction)
	entry := pos.EntryPrice
	price := pos.TriggerPrice(t)
	spread := t.Spread()
	if spread < 0 {
		spread = 0
	}
	dec := Decision{TriggerPrice: price}

	// 1. break-even activation
	if beSpan := p.BreakEvenStopPct + p.BreakEvenBufferPct; beSpan > 0 && !pos.BreakEvenActive {
		activation := entry * (1 + s*beSpan)
		if s*(price-activation) >= 0 {
			lock := entry * (1 + s*p.BreakEvenStopPct)
			pos.BreakEvenActive = true
			pos.BreakEvenLevel = lock
			if pos.TrailingStop == 0 || s*(lock-pos.TrailingStop) > 0 {
				pos.TrailingStop = lock
				dec.StopMoved = true
			}
			m.Logger.Info("%s: break-even armed at %.5f (price %.5f, entry %.5f)", pos.Instrument, lock, price, entry)
		}
	}

	// 2. trailing advancement
	if p.TrailingStopPct > 0 && s*(price-entry) > 0 {
		candidate := price * (1 - s*p.TrailingStopPct)
		if pos.TrailingStop == 0 || s*(candidate-pos.TrailingStop) > spread*p.TrailingCalmDownFactor {
			m.Logger.Debug("%s: trailing stop %.5f -> %.5f (price %.5f)", pos.Instrument, pos.TrailingStop, candidate, price)
			pos.TrailingStop = candidate
			dec.StopMoved = true
		}
	}

	// 3. break-even floor
	if pos.BreakEvenActive && s*(pos.BreakEvenLevel-pos.TrailingStop) > 0 {
		pos.TrailingStop = pos.BreakEvenLevel
		dec.StopMoved = true
	}

	// 4. exit check
	lv := Levels(pos, p)
	switch {
	case lv.StopLoss > 0 && s*(lv.StopLoss-price) >= 0:
		dec.Reason = ReasonStopLoss
	case pos.TrailingStop > 0 && s*(pos.TrailingStop-price) >= 0:
		dec.Reason = ReasonTrailingStop
		if pos.BreakEvenActive && pos.TrailingStop == pos.BreakEvenLevel {
			dec.Reason = ReasonBreakEven
		}
	case lv.TakeProfit > 0 && s*(price-lv.TakeProfit) >= 0:
		dec.Reason = ReasonTakeProfit
	default:
		return dec
	}

	now := m.now()
	m.gc(now)
	if last, ok := m.lastExit[pos.DealID]; ok && now.Sub(last) < m.debounce {
		dec.Suppressed = true
		return dec
	}
	m.lastExit[pos.DealID] = now
	dec.Close = true
	return dec
}

// Forget clears the debounce entry of a deal once it is closed.
func (m *Monitor) Forget(dealID string) {
	delete(m.lastExit, dealID)
}

func (m *Monitor) gc(now time.Time) {
	for id, at := range m.lastExit {
		if now.Sub(at) >= m.debounce {
			delete(m.lastExit, id)
		}
	}
}
