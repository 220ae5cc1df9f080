package position

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carsten0007/Tradingbot-2/api"
	"github.com/Carsten0007/Tradingbot-2/models"
)

type fakeBroker struct {
	openResult models.OpenResult
	openErr    error
	closeErr   error
	records    []models.PositionRecord
	listErr    error

	opens  int
	closes []string
}

func (f *fakeBroker) OpenPosition(_ context.Context, _ string, _ models.Direction, _ float64) (models.OpenResult, error) {
	f.opens++
	return f.openResult, f.openErr
}

func (f *fakeBroker) ClosePosition(_ context.Context, dealID string) error {
	f.closes = append(f.closes, dealID)
	return f.closeErr
}

func (f *fakeBroker) GetOpenPositions(context.Context) ([]models.PositionRecord, error) {
	return f.records, f.listErr
}

type recordedClose struct {
	dealID string
	exit   float64
	reason string
}

type fakeJournal struct {
	opens  []string
	closes []recordedClose
}

func (j *fakeJournal) RecordOpen(_ context.Context, p *models.OpenPosition) error {
	j.opens = append(j.opens, p.DealID)
	return nil
}

func (j *fakeJournal) RecordClose(_ context.Context, p *models.OpenPosition, exit float64, reason string) error {
	j.closes = append(j.closes, recordedClose{p.DealID, exit, reason})
	return nil
}

func buySignal() models.Signal { return models.Signal{Kind: models.SignalBuy, Family: models.FamilyEMA} }

func TestOpenUsesFillPriceAndIsIdempotent(t *testing.T) {
	b := &fakeBroker{openResult: models.OpenResult{DealID: "D1", FillPrice: 100.2}}
	j := &fakeJournal{}
	pm := NewPositionManager(b, j, nil)
	ctx := context.Background()

	act, err := pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 100, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, act)

	pos := pm.Get("BTCUSD")
	require.NotNil(t, pos)
	assert.Equal(t, models.Buy, pos.Direction)
	assert.Equal(t, 100.2, pos.EntryPrice)
	assert.Equal(t, "D1", pos.DealID)

	act, err = pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 101, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyOpen, act)
	assert.Equal(t, 1, b.opens, "no duplicate order may be dispatched")
	assert.Equal(t, []string{"D1"}, j.opens)
}

func TestOpenFallsBackToSignalPrice(t *testing.T) {
	b := &fakeBroker{openResult: models.OpenResult{DealID: "D1"}}
	pm := NewPositionManager(b, nil, nil)
	require.NoError(t, pm.Open(context.Background(), "BTCUSD", models.Sell, 1, 99.5))
	assert.Equal(t, 99.5, pm.Get("BTCUSD").EntryPrice)
}

func TestOpenRejectedLeavesFlat(t *testing.T) {
	b := &fakeBroker{openErr: &api.RejectError{Op: "open", Status: 400, Body: "{}"}}
	pm := NewPositionManager(b, nil, nil)

	act, err := pm.DecideAndTrade(context.Background(), "BTCUSD", buySignal(), 100, 1)
	assert.Equal(t, ActionFailed, act)
	var rej *api.RejectError
	assert.True(t, errors.As(err, &rej))
	assert.True(t, pm.IsFlat("BTCUSD"))
}

func TestOppositeSignalDoesNotFlip(t *testing.T) {
	b := &fakeBroker{openResult: models.OpenResult{DealID: "D1", FillPrice: 100}}
	pm := NewPositionManager(b, nil, nil)
	ctx := context.Background()
	_, err := pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 100, 1)
	require.NoError(t, err)

	act, err := pm.DecideAndTrade(ctx, "BTCUSD", models.Signal{Kind: models.SignalSell}, 105, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionIgnoredOpposite, act)
	assert.Equal(t, models.Buy, pm.Get("BTCUSD").Direction)
	assert.Empty(t, b.closes)
}

func TestHoldAndAdvisoryNeverTrade(t *testing.T) {
	b := &fakeBroker{openResult: models.OpenResult{DealID: "D1", FillPrice: 100}}
	pm := NewPositionManager(b, nil, nil)
	ctx := context.Background()

	act, _ := pm.DecideAndTrade(ctx, "BTCUSD", models.Signal{Kind: models.SignalHold, Reason: models.ReasonIndecisive}, 100, 1)
	assert.Equal(t, ActionNone, act)
	adv := buySignal()
	adv.Advisory = true
	act, _ = pm.DecideAndTrade(ctx, "BTCUSD", adv, 100, 1)
	assert.Equal(t, ActionNone, act)
	assert.Zero(t, b.opens)
}

func TestCloseTwiceSucceeds(t *testing.T) {
	b := &fakeBroker{openResult: models.OpenResult{DealID: "D1", FillPrice: 100}}
	j := &fakeJournal{}
	pm := NewPositionManager(b, j, nil)
	ctx := context.Background()
	require.NoError(t, pm.Open(ctx, "BTCUSD", models.Buy, 1, 100))

	assert.NoError(t, pm.Close(ctx, "BTCUSD", "stop loss", 99.6))
	assert.NoError(t, pm.Close(ctx, "BTCUSD", "stop loss", 99.6))
	assert.True(t, pm.IsFlat("BTCUSD"))
	assert.Equal(t, []string{"D1"}, b.closes, "flat instrument must not hit the broker")
	assert.Equal(t, []recordedClose{{"D1", 99.6, "stop loss"}}, j.closes)
}

func TestCloseNotFoundCountsAsClosed(t *testing.T) {
	b := &fakeBroker{
		openResult: models.OpenResult{DealID: "D1", FillPrice: 100},
		closeErr:   fmt.Errorf("close position D1: %w", api.ErrNotFound),
	}
	pm := NewPositionManager(b, nil, nil)
	ctx := context.Background()
	require.NoError(t, pm.Open(ctx, "BTCUSD", models.Buy, 1, 100))

	assert.NoError(t, pm.Close(ctx, "BTCUSD", "take profit", 101))
	assert.True(t, pm.IsFlat("BTCUSD"))
}

func TestCloseFailureKeepsPosition(t *testing.T) {
	b := &fakeBroker{openResult: models.OpenResult{DealID: "D1", FillPrice: 100}}
	pm := NewPositionManager(b, nil, nil)
	ctx := context.Background()
	require.NoError(t, pm.Open(ctx, "BTCUSD", models.Buy, 1, 100))

	b.closeErr = &api.RejectError{Op: "close", Status: 500}
	assert.Error(t, pm.Close(ctx, "BTCUSD", "stop loss", 99))
	require.NotNil(t, pm.Get("BTCUSD"))
	assert.Equal(t, "D1", pm.Get("BTCUSD").DealID)
}

func TestReconcileDropsVanishedAndAdoptsUnknown(t *testing.T) {
	b := &fakeBroker{openResult: models.OpenResult{DealID: "D1", FillPrice: 100}}
	j := &fakeJournal{}
	pm := NewPositionManager(b, j, nil)
	ctx := context.Background()
	require.NoError(t, pm.Open(ctx, "BTCUSD", models.Buy, 1, 100))

	b.records = []models.PositionRecord{
		{Instrument: "ETHUSD", DealID: "E1", Direction: models.Sell, Size: 2, Level: 3000},
		{Instrument: "GOLD", DealID: "G1", Direction: models.Buy, Size: 1, Level: 2000},
	}
	require.NoError(t, pm.Reconcile(ctx, []string{"BTCUSD", "ETHUSD"}))

	assert.True(t, pm.IsFlat("BTCUSD"))
	assert.Equal(t, []recordedClose{{"D1", 0, ReasonReconciled}}, j.closes)

	eth := pm.Get("ETHUSD")
	require.NotNil(t, eth)
	assert.Equal(t, models.Sell, eth.Direction)
	assert.Equal(t, 3000.0, eth.EntryPrice)
	assert.True(t, pm.IsFlat("GOLD"), "untracked instruments are not adopted")
}

func TestReconcileKeepsAdoptedEntry(t *testing.T) {
	b := &fakeBroker{records: []models.PositionRecord{{Instrument: "BTCUSD", DealID: "D7", Direction: models.Buy, Size: 1, Level: 100}}}
	pm := NewPositionManager(b, nil, nil)
	ctx := context.Background()
	require.NoError(t, pm.Reconcile(ctx, []string{"BTCUSD"}))
	pm.Get("BTCUSD").TrailingStop = 99.5

	b.records[0].Level = 150
	require.NoError(t, pm.Reconcile(ctx, []string{"BTCUSD"}))
	assert.Equal(t, 100.0, pm.Get("BTCUSD").EntryPrice)
	assert.Equal(t, 99.5, pm.Get("BTCUSD").TrailingStop)
}

func TestReconcileListErrorKeepsState(t *testing.T) {
	b := &fakeBroker{openResult: models.OpenResult{DealID: "D1", FillPrice: 100}, listErr: errors.New("timeout")}
	pm := NewPositionManager(b, nil, nil)
	ctx := context.Background()
	require.NoError(t, pm.Open(ctx, "BTCUSD", models.Buy, 1, 100))
	assert.Error(t, pm.Reconcile(ctx, []string{"BTCUSD"}))
	assert.False(t, pm.IsFlat("BTCUSD"))
}

func unconfirmed(ref string) error {
	return &api.UnconfirmedError{Op: "confirm BTCUSD", DealReference: ref, Err: &api.RejectError{Op: "confirm BTCUSD", Status: 502}}
}

func TestUnconfirmedOpenBlocksSecondOrder(t *testing.T) {
	b := &fakeBroker{openErr: unconfirmed("ref-1")}
	j := &fakeJournal{}
	pm := NewPositionManager(b, j, nil)
	ctx := context.Background()

	act, err := pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 100, 1)
	assert.Equal(t, ActionFailed, act)
	assert.ErrorIs(t, err, api.ErrUnconfirmed)
	assert.True(t, pm.Pending("BTCUSD"))
	assert.False(t, pm.IsFlat("BTCUSD"))
	assert.Nil(t, pm.Get("BTCUSD"))

	// the deal shows up in the position list by the next bar
	b.records = []models.PositionRecord{{Instrument: "BTCUSD", DealID: "D9", Direction: models.Buy, Size: 1, Level: 100.4}}
	act, err = pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 101, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyOpen, act)
	assert.Equal(t, 1, b.opens, "no second order while the first is unconfirmed")

	pos := pm.Get("BTCUSD")
	require.NotNil(t, pos)
	assert.Equal(t, "D9", pos.DealID)
	assert.Equal(t, 100.4, pos.EntryPrice)
	assert.False(t, pm.Pending("BTCUSD"))
	assert.Equal(t, []string{"D9"}, j.opens)
}

func TestUnconfirmedOpenAdoptedWhenAlreadyListed(t *testing.T) {
	b := &fakeBroker{
		openErr: unconfirmed("ref-2"),
		records: []models.PositionRecord{{Instrument: "BTCUSD", DealID: "D2", Direction: models.Sell, Size: 1}},
	}
	pm := NewPositionManager(b, nil, nil)

	require.NoError(t, pm.Open(context.Background(), "BTCUSD", models.Sell, 1, 99.5))
	pos := pm.Get("BTCUSD")
	require.NotNil(t, pos)
	assert.Equal(t, "D2", pos.DealID)
	assert.Equal(t, 99.5, pos.EntryPrice, "missing level falls back to the signal price")
	assert.False(t, pm.Pending("BTCUSD"))
}

func TestUnconfirmedOrderStaysPendingWhileListFails(t *testing.T) {
	b := &fakeBroker{openErr: unconfirmed("ref-3")}
	pm := NewPositionManager(b, nil, nil)
	ctx := context.Background()
	_, _ = pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 100, 1)

	b.listErr = errors.New("timeout")
	b.openErr = nil
	b.openResult = models.OpenResult{DealID: "D3", FillPrice: 100}
	act, err := pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 100, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionPending, act)
	assert.Equal(t, 1, b.opens)

	err = pm.Open(ctx, "BTCUSD", models.Buy, 1, 100)
	assert.ErrorIs(t, err, api.ErrUnconfirmed)
	assert.Equal(t, 1, b.opens)
}

func TestUnlistedUnconfirmedOrderIsDroppedOnNextSignal(t *testing.T) {
	b := &fakeBroker{openErr: unconfirmed("ref-4")}
	pm := NewPositionManager(b, nil, nil)
	ctx := context.Background()
	_, _ = pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 100, 1)
	require.True(t, pm.Pending("BTCUSD"), "an empty list right after the order does not clear it")

	b.openErr = nil
	b.openResult = models.OpenResult{DealID: "D4", FillPrice: 100}
	act, err := pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 100, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, act)
	assert.True(t, pm.IsFlat("BTCUSD"))
	assert.Equal(t, 1, b.opens)

	act, err = pm.DecideAndTrade(ctx, "BTCUSD", buySignal(), 100, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, act)
	assert.Equal(t, 2, b.opens)
}

func TestReconcileSettlesUnconfirmedOrder(t *testing.T) {
	b := &fakeBroker{openErr: unconfirmed("ref-5")}
	j := &fakeJournal{}
	pm := NewPositionManager(b, j, nil)
	ctx := context.Background()
	_ = pm.Open(ctx, "BTCUSD", models.Buy, 1, 100)

	b.records = []models.PositionRecord{
		{Instrument: "BTCUSD", DealID: "D5", Direction: models.Buy, Size: 1, Level: 100.1},
		{Instrument: "BTCUSD", DealID: "D6", Direction: models.Buy, Size: 1, Level: 100.3},
	}
	require.NoError(t, pm.Reconcile(ctx, []string{"BTCUSD"}))
	assert.False(t, pm.Pending("BTCUSD"))
	require.NotNil(t, pm.Get("BTCUSD"))
	assert.Equal(t, "D5", pm.Get("BTCUSD").DealID)
	assert.Equal(t, []string{"D5"}, j.opens)
}
