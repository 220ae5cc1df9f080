package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carsten0007/Tradingbot-2/chart"
	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/models"
	"github.com/Carsten0007/Tradingbot-2/position"
	"github.com/Carsten0007/Tradingbot-2/protection"
)

type fakeBroker struct {
	opens   []models.Direction
	closes  []string
	records []models.PositionRecord
}

func (f *fakeBroker) OpenPosition(_ context.Context, _ string, dir models.Direction, _ float64) (models.OpenResult, error) {
	f.opens = append(f.opens, dir)
	return models.OpenResult{DealID: "deal-1"}, nil
}

func (f *fakeBroker) ClosePosition(_ context.Context, dealID string) error {
	f.closes = append(f.closes, dealID)
	return nil
}

func (f *fakeBroker) GetOpenPositions(context.Context) ([]models.PositionRecord, error) {
	return f.records, nil
}

type staticParams struct {
	p       config.Params
	version uint64
	reloads int
}

func (s *staticParams) Reload() (bool, error)    { s.reloads++; return false, nil }
func (s *staticParams) For(string) config.Params { return s.p }
func (s *staticParams) Version() uint64          { return s.version }

func traderParams() config.Params {
	return config.Params{
		MAFamily:                 models.FamilyEMA,
		FastPeriod:               2,
		SlowPeriod:               3,
		MaxDistanceSpreadsFactor: 100,
		MomentumTolerance:        0.5,
		TradeBarrier:             1,
		TradeSize:                1,
		StopLossPct:              0.01,
		TrailingCalmDownFactor:   1,
	}
}

type harness struct {
	trader *Trader
	broker *fakeBroker
	params *staticParams
	chart  *chart.Buffer
}

func newHarness(instruments ...string) *harness {
	if len(instruments) == 0 {
		instruments = []string{"US100"}
	}
	cfg := &config.Config{
		Instruments:     instruments,
		LocalTZ:         "UTC",
		HistoryCapacity: 50,
		TickWindow:      20,
	}
	broker := &fakeBroker{}
	params := &staticParams{p: traderParams(), version: 1}
	pm := position.NewPositionManager(broker, nil, nil)
	buf := chart.NewBuffer(time.Minute, 100, 0)
	tr := NewTrader(cfg, params, pm, protection.NewMonitor(0, nil), buf, nil)
	return &harness{trader: tr, broker: broker, params: params, chart: buf}
}

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func quote(at time.Duration, mid float64) models.Tick {
	return quoteFor("US100", at, mid)
}

func quoteFor(instrument string, at time.Duration, mid float64) models.Tick {
	return models.Tick{Instrument: instrument, Timestamp: t0.Add(at).UnixMilli(), Bid: mid - 0.05, Ask: mid + 0.05}
}

func TestBarCloseSignalOpensPosition(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.trader.OnTick(ctx, quote(time.Duration(i)*time.Minute+time.Second, 100+float64(i)))
	}
	assert.Empty(t, h.broker.opens)

	h.trader.OnTick(ctx, quote(3*time.Minute+time.Second, 103))
	require.Equal(t, []models.Direction{models.Buy}, h.broker.opens)

	pos := h.trader.PositionManager.Get("US100")
	require.NotNil(t, pos)
	assert.InDelta(t, 103.05, pos.EntryPrice, 1e-9)
	assert.Equal(t, 3, h.params.reloads)

	snap, ok := h.trader.InstrumentSnapshot("US100")
	require.True(t, ok)
	assert.Equal(t, 3, snap.HistoryLen)
	require.NotNil(t, snap.LastSignal)
	assert.Equal(t, "BUY", snap.LastSignal.Kind)
	require.NotNil(t, snap.Position)
	assert.Equal(t, "deal-1", snap.Position.DealID)

	f, ok := h.chart.Snapshot("US100")
	require.True(t, ok)
	assert.True(t, f.TradeOpen)
}

func TestStopLossClosesOnTick(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.trader.OnTick(ctx, quote(time.Duration(i)*time.Minute+time.Second, 100+float64(i)))
	}
	require.NotNil(t, h.trader.PositionManager.Get("US100"))

	// SL sits at 103.05 * 0.99
	h.trader.OnTick(ctx, quote(3*time.Minute+10*time.Second, 101.95))

	assert.Equal(t, []string{"deal-1"}, h.broker.closes)
	assert.True(t, h.trader.PositionManager.IsFlat("US100"))

	snap, _ := h.trader.InstrumentSnapshot("US100")
	assert.Nil(t, snap.Position)
	f, _ := h.chart.Snapshot("US100")
	assert.Equal(t, "no trade", f.Title)
}

func TestAdvisorySignalNeverTrades(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.trader.OnTick(ctx, quote(time.Duration(i)*time.Minute+time.Second, 100+float64(i)))
	}
	h.trader.OnTick(ctx, quote(2*time.Minute+30*time.Second, 103))

	snap, _ := h.trader.InstrumentSnapshot("US100")
	require.NotNil(t, snap.Advisory)
	assert.Equal(t, "BUY", snap.Advisory.Kind)
	assert.True(t, snap.Advisory.Advisory)
	assert.Empty(t, h.broker.opens)
}

func TestInvalidAndUnknownTicksAreDropped(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.trader.OnTick(ctx, models.Tick{Instrument: "US100", Timestamp: 1, Bid: 0, Ask: 1})
	h.trader.OnTick(ctx, models.Tick{Instrument: "DE40", Timestamp: 1, Bid: 1, Ask: 2})

	assert.Empty(t, h.trader.Snapshot())
}

func TestOnConnectedAdoptsBrokerPosition(t *testing.T) {
	h := newHarness()
	h.broker.records = []models.PositionRecord{
		{Instrument: "US100", DealID: "ext-1", Direction: models.Sell, Size: 2, Level: 18000},
		{Instrument: "DE40", DealID: "ext-2", Direction: models.Buy, Size: 1, Level: 22000},
	}
	require.NoError(t, h.trader.OnConnected(context.Background()))

	pos := h.trader.PositionManager.Get("US100")
	require.NotNil(t, pos)
	assert.Equal(t, 18000.0, pos.EntryPrice)
	assert.Nil(t, h.trader.PositionManager.Get("DE40"))

	snaps := h.trader.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "ext-1", snaps[0].Position.DealID)
}

func TestParamsReloadWaitsForFlat(t *testing.T) {
	h := newHarness("US100", "DE40")
	ctx := context.Background()

	h.trader.OnTick(ctx, quoteFor("DE40", time.Second, 50))
	for i := 0; i < 4; i++ {
		h.trader.OnTick(ctx, quote(time.Duration(i)*time.Minute+time.Second, 100+float64(i)))
	}
	require.NotNil(t, h.trader.PositionManager.Get("US100"))

	updated := traderParams()
	updated.TradeSize = 5
	updated.StopLossPct = 0.02
	h.params.p = updated
	h.params.version = 2

	// bar closes on both instruments; only the flat one takes the new set
	h.trader.OnTick(ctx, quote(4*time.Minute+time.Second, 104))
	h.trader.OnTick(ctx, quoteFor("DE40", 4*time.Minute+2*time.Second, 50))

	us := h.trader.states["US100"]
	assert.Equal(t, uint64(1), us.paramsVersion)
	assert.InDelta(t, 1.0, us.params.TradeSize, 1e-12)
	assert.InDelta(t, 0.01, us.params.StopLossPct, 1e-12)

	de := h.trader.states["DE40"]
	assert.Equal(t, uint64(2), de.paramsVersion)
	assert.InDelta(t, 5.0, de.params.TradeSize, 1e-12)

	// the old stop loss still protects the open trade
	h.trader.OnTick(ctx, quote(4*time.Minute+10*time.Second, 101))
	assert.Equal(t, []string{"deal-1"}, h.broker.closes)

	h.trader.OnTick(ctx, quote(5*time.Minute+time.Second, 101))
	assert.Equal(t, uint64(2), us.paramsVersion)
	assert.InDelta(t, 0.02, us.params.StopLossPct, 1e-12)
}
