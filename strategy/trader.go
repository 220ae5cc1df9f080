package strategy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Carsten0007/Tradingbot-2/aggregator"
	"github.com/Carsten0007/Tradingbot-2/chart"
	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/logging"
	"github.com/Carsten0007/Tradingbot-2/metrics"
	"github.com/Carsten0007/Tradingbot-2/models"
	"github.com/Carsten0007/Tradingbot-2/position"
	"github.com/Carsten0007/Tradingbot-2/protection"
)

// regimeThreshold is the |directionality| above which the tick window is
// logged as trending.
const regimeThreshold = 0.5

// ParamSource hands out per-instrument trading parameters.
type ParamSource interface {
	Reload() (bool, error)
	For(instrument string) config.Params
	Version() uint64
}

// ChartSink receives one update per tick. It must not block.
type ChartSink interface {
	Publish(u chart.Update) bool
}

// InstrumentState is everything the trader keeps for one instrument.
type InstrumentState struct {
	Instrument string

	agg     *aggregator.Aggregator
	history *aggregator.History
	ticks   *TickWindow

	params        config.Params
	paramsVersion uint64

	lastTick   models.Tick
	lastClosed *models.Bar
	forming    *models.Bar
	lastSignal *models.Signal
	advisory   *models.Signal
}

// Trader wires ticks through aggregation, protection, evaluation and
// position management. OnTick and OnConnected must be called from one
// goroutine; Snapshot is safe from any.
type Trader struct {
	Config          *config.Config
	Params          ParamSource
	PositionManager *position.PositionManager
	Protection      *protection.Monitor
	Chart           ChartSink
	Logger          logging.LoggerInterface

	instruments []string
	states      map[string]*InstrumentState

	mu        sync.RWMutex
	snapshots map[string]models.InstrumentSnapshot
}

// NewTrader creates a trader for cfg.Instruments. sink may be nil.
func NewTrader(cfg *config.Config, params ParamSource, pm *position.PositionManager, mon *protection.Monitor, sink ChartSink, logger logging.LoggerInterface) *Trader {
	if logger == nil {
		logger = logging.Nop{}
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Warning("Unknown timezone %q, aggregating in UTC: %v", cfg.LocalTZ, err)
	}
	throttle := time.Duration(cfg.FormingThrottleSec) * time.Second

	t := &Trader{
		Config:          cfg,
		Params:          params,
		PositionManager: pm,
		Protection:      mon,
		Chart:           sink,
		Logger:          logger,
		states:          make(map[string]*InstrumentState),
		snapshots:       make(map[string]models.InstrumentSnapshot),
	}
	for _, inst := range cfg.Instruments {
		if _, dup := t.states[inst]; dup {
			continue
		}
		t.instruments = append(t.instruments, inst)
		t.states[inst] = &InstrumentState{
			Instrument:    inst,
			agg:           aggregator.New(inst, loc, throttle),
			history:       aggregator.NewHistory(cfg.HistoryCapacity),
			ticks:         NewTickWindow(cfg.TickWindow),
			params:        params.For(inst),
			paramsVersion: params.Version(),
		}
	}
	return t
}

// Instruments lists the traded instruments in configuration order.
func (t *Trader) Instruments() []string {
	return append([]string(nil), t.instruments...)
}

// OnConnected reconciles local positions with the broker after every
// (re)connect.
func (t *Trader) OnConnected(ctx context.Context) error {
	err := t.PositionManager.Reconcile(ctx, t.instruments)
	for _, inst := range t.instruments {
		t.publishSnapshot(t.states[inst])
	}
	return err
}

// OnTick processes one quote. Bad ticks are dropped and never stop the
// loop.
func (t *Trader) OnTick(ctx context.Context, tick models.Tick) {
	if err := tick.Validate(); err != nil {
		metrics.DroppedTicksTotal.WithLabelValues("invalid").Inc()
		t.Logger.Debug("Dropping tick: %v", err)
		return
	}
	st, ok := t.states[tick.Instrument]
	if !ok {
		metrics.DroppedTicksTotal.WithLabelValues("unknown_instrument").Inc()
		return
	}
	inst := tick.Instrument
	metrics.TicksTotal.WithLabelValues(inst).Inc()

	st.lastTick = tick
	st.ticks.Push(tick.Mid())
	up := st.agg.Add(tick)
	forming := up.Forming
	st.forming = &forming

	t.protect(ctx, st, tick)

	if up.NotifyForming {
		t.advise(st, tick, up.Forming)
	}
	if up.Closed != nil {
		t.onBarClose(ctx, st, tick, *up.Closed)
	}

	t.publishChart(st, tick)
	t.publishSnapshot(st)
}

// protect marks the open position and closes it when a protection rule
// fires.
func (t *Trader) protect(ctx context.Context, st *InstrumentState, tick models.Tick) {
	pos := t.PositionManager.Get(st.Instrument)
	if pos == nil {
		return
	}
	pos.Mark(tick)
	metrics.UnrealizedPnL.WithLabelValues(st.Instrument).Set(pos.UnrealizedPnL)

	dec := t.Protection.Evaluate(pos, tick, st.params)
	if !dec.Close {
		return
	}
	metrics.ProtectionTriggersTotal.WithLabelValues(st.Instrument, dec.Reason).Inc()
	t.Logger.Info("%s: %s hit at %.5f (entry %.5f, deal %s)", st.Instrument, dec.Reason, dec.TriggerPrice, pos.EntryPrice, pos.DealID)

	dealID := pos.DealID
	if err := t.PositionManager.Close(ctx, st.Instrument, dec.Reason, dec.TriggerPrice); err != nil {
		t.Logger.Error("%s: protective close failed, will retry after debounce: %v", st.Instrument, err)
		return
	}
	t.Protection.Forget(dealID)
}

// advise evaluates the history extended by the forming bar. The result is
// for display only.
func (t *Trader) advise(st *InstrumentState, tick models.Tick, forming models.Bar) {
	closes := append(st.history.Closes(), forming.CloseMid())
	sig := EvaluateTrend(st.params, closes, tick.Spread())
	sig.Advisory = true
	sig.Time = tick.Time()
	st.advisory = &sig
	t.Logger.Debug("%s: forming %s close %.5f ticks %d -> %s (fast %.5f slow %.5f, directionality %.2f)",
		st.Instrument, forming.Start.Format("15:04"), forming.CloseMid(), forming.TickCount, sig, sig.MAFast, sig.MASlow, st.ticks.Directionality())
}

func (t *Trader) onBarClose(ctx context.Context, st *InstrumentState, tick models.Tick, bar models.Bar) {
	inst := st.Instrument
	metrics.BarsClosedTotal.WithLabelValues(inst).Inc()
	st.lastClosed = &bar
	st.history.Push(bar.CloseMid())
	t.Logger.Info("%s: closed 1m %s O:%.5f H:%.5f L:%.5f C:%.5f ticks %d",
		inst, bar.Start.Format("02.01.2006 15:04 MST"),
		(bar.OpenBid+bar.OpenAsk)/2, (bar.HighBid+bar.HighAsk)/2, (bar.LowBid+bar.LowAsk)/2, bar.CloseMid(), bar.TickCount)

	if t.PositionManager.IsFlat(inst) {
		t.refreshParams(st)
	}

	sig := EvaluateTrend(st.params, st.history.Closes(), tick.Spread())
	sig.Time = bar.Start.Add(time.Minute)
	st.lastSignal = &sig
	st.advisory = nil
	metrics.SignalsTotal.WithLabelValues(inst, strings.ToLower(sig.Kind.String())).Inc()

	price := tick.Ask
	if sig.Kind == models.SignalSell {
		price = tick.Bid
	}
	action, err := t.PositionManager.DecideAndTrade(ctx, inst, sig, price, st.params.TradeSize)
	switch {
	case err != nil:
		t.Logger.Error("%s: %s on bar close: %v", inst, sig, err)
	case action != position.ActionNone:
		t.Logger.Info("%s: %s on bar close (%s, regime %s)", inst, sig, action, st.ticks.Regime(regimeThreshold))
	default:
		t.Logger.Info("%s: %s on bar close (fast %.5f slow %.5f, %d closes)", inst, sig, sig.MAFast, sig.MASlow, st.history.Len())
	}
}

// refreshParams picks up a changed parameter file. Only called while flat.
func (t *Trader) refreshParams(st *InstrumentState) {
	if _, err := t.Params.Reload(); err != nil {
		t.Logger.Warning("Parameter reload failed, keeping previous set: %v", err)
	}
	if v := t.Params.Version(); v != st.paramsVersion {
		st.params = t.Params.For(st.Instrument)
		st.paramsVersion = v
		t.Logger.Info("%s: parameters updated to version %d (%s %d/%d)",
			st.Instrument, v, st.params.MAFamily, st.params.FastPeriod, st.params.SlowPeriod)
	}
}

func (t *Trader) displaySignal(st *InstrumentState) *models.Signal {
	if st.advisory != nil {
		return st.advisory
	}
	return st.lastSignal
}

func (t *Trader) publishChart(st *InstrumentState, tick models.Tick) {
	if t.Chart == nil {
		return
	}
	pos := t.PositionManager.Snapshot(st.Instrument)
	u := chart.Update{
		Instrument: st.Instrument,
		Tick:       tick,
		Family:     st.params.MAFamily,
		Position:   pos,
		Levels:     protection.Levels(pos, st.params),
	}
	if sig := t.displaySignal(st); sig != nil {
		u.MAFast, u.MASlow = sig.MAFast, sig.MASlow
	}
	t.Chart.Publish(u)
}

func (t *Trader) publishSnapshot(st *InstrumentState) {
	pos := t.PositionManager.Snapshot(st.Instrument)
	snap := models.InstrumentSnapshot{
		Instrument:     st.Instrument,
		HistoryLen:     st.history.Len(),
		Directionality: st.ticks.Directionality(),
		Position:       pos,
		Levels:         protection.Levels(pos, st.params),
		ParamsVersion:  st.paramsVersion,
	}
	if st.lastTick.Timestamp > 0 {
		snap.UpdatedAt = st.lastTick.Time()
		snap.Bid, snap.Ask = st.lastTick.Bid, st.lastTick.Ask
	}
	if st.forming != nil {
		b := *st.forming
		snap.FormingBar = &b
	}
	if st.lastClosed != nil {
		b := *st.lastClosed
		snap.LastClosedBar = &b
	}
	if st.lastSignal != nil {
		s := models.NewSignalSnapshot(*st.lastSignal)
		snap.LastSignal = &s
	}
	if st.advisory != nil {
		s := models.NewSignalSnapshot(*st.advisory)
		snap.Advisory = &s
	}

	t.mu.Lock()
	t.snapshots[st.Instrument] = snap
	t.mu.Unlock()
}

// Snapshot returns copies of every instrument's last published state.
func (t *Trader) Snapshot() []models.InstrumentSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.InstrumentSnapshot, 0, len(t.snapshots))
	for _, s := range t.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// InstrumentSnapshot returns one instrument's last published state.
func (t *Trader) InstrumentSnapshot(instrument string) (models.InstrumentSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.snapshots[instrument]
	return s, ok
}
