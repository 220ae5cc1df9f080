// Package position owns the per-instrument position state machine
// (Flat or Open) and is the only code allowed to open or close positions at
// the broker.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Carsten0007/Tradingbot-2/api"
	"github.com/Carsten0007/Tradingbot-2/logging"
	"github.com/Carsten0007/Tradingbot-2/metrics"
	"github.com/Carsten0007/Tradingbot-2/models"
)

// Broker is the part of the broker client the manager needs. Re-login on
// an expired session is the broker's job.
type Broker interface {
	OpenPosition(ctx context.Context, instrument string, dir models.Direction, size float64) (models.OpenResult, error)
	ClosePosition(ctx context.Context, dealID string) error
	GetOpenPositions(ctx context.Context) ([]models.PositionRecord, error)
}

// Recorder persists trade events. Failures are logged, never fatal.
type Recorder interface {
	RecordOpen(ctx context.Context, p *models.OpenPosition) error
	RecordClose(ctx context.Context, p *models.OpenPosition, exitPrice float64, reason string) error
}

// Action is what DecideAndTrade did.
type Action int

const (
	ActionNone Action = iota
	ActionOpened
	ActionAlreadyOpen
	ActionIgnoredOpposite
	ActionFailed
	ActionPending
)

func (a Action) String() string {
	switch a {
	case ActionOpened:
		return "opened"
	case ActionAlreadyOpen:
		return "already open"
	case ActionIgnoredOpposite:
		return "opposite signal ignored"
	case ActionFailed:
		return "failed"
	case ActionPending:
		return "order unconfirmed"
	default:
		return "none"
	}
}

// Close reasons
const (
	ReasonReconciled = "reconciled"
)

// pendingOrder is an order the broker accepted without a confirmation.
type pendingOrder struct {
	ref         string
	dir         models.Direction
	size        float64
	signalPrice float64
}

// PositionManager keeps one *models.OpenPosition per instrument; a missing
// entry is Flat. An instrument with an unconfirmed order is neither Flat nor
// Open until the broker's position list settles it.
// Not safe for concurrent use: the consumer loop owns it.
type PositionManager struct {
	Broker  Broker
	Journal Recorder
	Logger  logging.LoggerInterface

	positions map[string]*models.OpenPosition
	pending   map[string]pendingOrder
	now       func() time.Time
}

// NewPositionManager creates a new position manager. journal may be nil.
func NewPositionManager(broker Broker, journal Recorder, logger logging.LoggerInterface) *PositionManager {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &PositionManager{
		Broker:    broker,
		Journal:   journal,
		Logger:    logger,
		positions: make(map[string]*models.OpenPosition),
		pending:   make(map[string]pendingOrder),
		now:       time.Now,
	}
}

// Get returns the live position or nil when Flat. The protection monitor
// mutates stop fields through this pointer.
func (pm *PositionManager) Get(instrument string) *models.OpenPosition {
	return pm.positions[instrument]
}

// IsFlat reports whether no position is tracked for instrument and no
// order is awaiting confirmation.
func (pm *PositionManager) IsFlat(instrument string) bool {
	_, pending := pm.pending[instrument]
	return pm.positions[instrument] == nil && !pending
}

// Pending reports whether an accepted order on instrument is unconfirmed.
func (pm *PositionManager) Pending(instrument string) bool {
	_, ok := pm.pending[instrument]
	return ok
}

// Snapshot returns a copy of the position, nil when Flat.
func (pm *PositionManager) Snapshot(instrument string) *models.OpenPosition {
	p := pm.positions[instrument]
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Instruments lists instruments with an open position.
func (pm *PositionManager) Instruments() []string {
	out := make([]string, 0, len(pm.positions))
	for k := range pm.positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecideAndTrade applies a bar-close signal. Advisory and Hold signals never
// trade; an opposite signal on an open position is logged and ignored.
func (pm *PositionManager) DecideAndTrade(ctx context.Context, instrument string, sig models.Signal, price, size float64) (Action, error) {
	if sig.Advisory {
		return ActionNone, nil
	}
	dir, ok := sig.Direction()
	if !ok {
		return ActionNone, nil
	}

	if _, waiting := pm.pending[instrument]; waiting {
		if err := pm.resolvePending(ctx, instrument, true); err != nil {
			pm.Logger.Warning("%s: %s signal skipped, earlier order still unconfirmed: %v", instrument, dir, err)
			return ActionPending, nil
		}
		if pm.positions[instrument] == nil {
			return ActionNone, nil
		}
	}

	if cur := pm.positions[instrument]; cur != nil {
		if cur.Direction == dir {
			pm.Logger.Debug("%s: %s signal while %s position open, holding", instrument, dir, cur.Direction)
			return ActionAlreadyOpen, nil
		}
		pm.Logger.Info("%s: %s signal against open %s position (deal %s), no flip", instrument, dir, cur.Direction, cur.DealID)
		return ActionIgnoredOpposite, nil
	}

	if err := pm.Open(ctx, instrument, dir, size, price); err != nil {
		return ActionFailed, err
	}
	return ActionOpened, nil
}

// Open requests a new position. The transition to Open only happens after
// the broker confirmed the deal; on error the state is untouched. Entry is
// the fill price, or signalPrice when the broker reported none.
func (pm *PositionManager) Open(ctx context.Context, instrument string, dir models.Direction, size, signalPrice float64) error {
	if pm.positions[instrument] != nil {
		pm.Logger.Debug("%s: open %s skipped, position already tracked", instrument, dir)
		return nil
	}
	if p, ok := pm.pending[instrument]; ok {
		return fmt.Errorf("open %s %s: order %s: %w", instrument, dir, p.ref, api.ErrUnconfirmed)
	}
	if size <= 0 {
		return fmt.Errorf("open %s %s: size must be positive, got %v", instrument, dir, size)
	}

	pm.Logger.Info("%s: opening %s size %.4f at signal price %.5f", instrument, dir, size, signalPrice)
	res, err := pm.Broker.OpenPosition(ctx, instrument, dir, size)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(instrument, "open", resultLabel(err)).Inc()
		pm.Logger.Error("%s: open %s size %.4f failed: %v", instrument, dir, size, err)
		if errors.Is(err, api.ErrUnconfirmed) {
			return pm.holdUnconfirmed(ctx, instrument, dir, size, signalPrice, err)
		}
		return fmt.Errorf("open %s %s: %w", instrument, dir, err)
	}
	metrics.OrdersTotal.WithLabelValues(instrument, "open", "ok").Inc()

	// A position may have been adopted by reconciliation while the call was
	// in flight; its entry is never overwritten.
	if existing := pm.positions[instrument]; existing != nil && existing.EntryPrice != 0 {
		pm.Logger.Warning("%s: open confirmed (deal %s) but position %s already tracked, keeping entry %.5f",
			instrument, res.DealID, existing.DealID, existing.EntryPrice)
		return nil
	}

	entry := res.FillPrice
	if entry <= 0 {
		entry = signalPrice
		pm.Logger.Warning("%s: no fill price in confirmation for deal %s, using signal price %.5f", instrument, res.DealID, entry)
	}
	pos := &models.OpenPosition{
		Instrument: instrument,
		Direction:  dir,
		DealID:     res.DealID,
		EntryPrice: entry,
		Size:       size,
		OpenedAt:   pm.now(),
	}
	pm.positions[instrument] = pos
	pm.Logger.Info("%s: %s position open, deal %s entry %.5f size %.4f", instrument, dir, res.DealID, entry, size)

	if pm.Journal != nil {
		if err := pm.Journal.RecordOpen(ctx, pos); err != nil {
			pm.Logger.Error("%s: journal open failed: %v", instrument, err)
		}
	}
	return nil
}

// holdUnconfirmed blocks further opens on instrument and looks the order up
// in the broker's position list right away. A missing listing keeps the
// block, since the list may lag behind the order.
func (pm *PositionManager) holdUnconfirmed(ctx context.Context, instrument string, dir models.Direction, size, signalPrice float64, cause error) error {
	p := pendingOrder{dir: dir, size: size, signalPrice: signalPrice}
	var u *api.UnconfirmedError
	if errors.As(cause, &u) {
		p.ref = u.DealReference
	}
	pm.pending[instrument] = p
	pm.Logger.Warning("%s: order %s (%s %.4f) accepted but unconfirmed, no new orders until the broker lists it", instrument, p.ref, p.dir, p.size)

	if err := pm.resolvePending(ctx, instrument, false); err == nil && pm.positions[instrument] != nil {
		return nil
	}
	return fmt.Errorf("open %s %s: %w", instrument, dir, cause)
}

// resolvePending settles an unconfirmed order from the broker's position
// list: a listed position is adopted and journaled as our open. When the
// instrument is not listed the order is dropped only if clearMissing.
func (pm *PositionManager) resolvePending(ctx context.Context, instrument string, clearMissing bool) error {
	p, ok := pm.pending[instrument]
	if !ok {
		return nil
	}
	records, err := pm.Broker.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("resolve order %s: %w", p.ref, err)
	}

	for _, rec := range records {
		if rec.Instrument != instrument || !rec.Direction.Valid() {
			continue
		}
		delete(pm.pending, instrument)
		if rec.Level <= 0 {
			rec.Level = p.signalPrice
		}
		pos := pm.adopt(instrument, rec)
		if pm.Journal != nil {
			if err := pm.Journal.RecordOpen(ctx, pos); err != nil {
				pm.Logger.Error("%s: journal open failed: %v", instrument, err)
			}
		}
		return nil
	}

	if clearMissing {
		delete(pm.pending, instrument)
		pm.Logger.Warning("%s: order %s never appeared at the broker, treating it as not filled", instrument, p.ref)
	}
	return nil
}

// adopt tracks a broker position. The entry is taken once and never
// overwritten afterwards.
func (pm *PositionManager) adopt(instrument string, rec models.PositionRecord) *models.OpenPosition {
	opened := rec.CreatedAt
	if opened.IsZero() {
		opened = pm.now()
	}
	pos := &models.OpenPosition{
		Instrument: instrument,
		Direction:  rec.Direction,
		DealID:     rec.DealID,
		EntryPrice: rec.Level,
		Size:       rec.Size,
		OpenedAt:   opened,
	}
	pm.positions[instrument] = pos
	pm.Logger.Info("%s: adopted broker position %s %s size %.4f entry %.5f", instrument, rec.DealID, rec.Direction, rec.Size, rec.Level)
	return pos
}

// Close closes the tracked position. Closing a Flat instrument, or a deal
// the broker no longer knows, succeeds. Any other failure leaves the
// position in place.
func (pm *PositionManager) Close(ctx context.Context, instrument, reason string, exitPrice float64) error {
	pos := pm.positions[instrument]
	if pos == nil {
		pm.Logger.Debug("%s: close (%s) on flat instrument, nothing to do", instrument, reason)
		return nil
	}

	pm.Logger.Info("%s: closing %s deal %s (%s) near %.5f", instrument, pos.Direction, pos.DealID, reason, exitPrice)
	err := pm.Broker.ClosePosition(ctx, pos.DealID)
	switch {
	case err == nil:
		metrics.OrdersTotal.WithLabelValues(instrument, "close", "ok").Inc()
	case errors.Is(err, api.ErrNotFound):
		metrics.OrdersTotal.WithLabelValues(instrument, "close", "not_found").Inc()
		pm.Logger.Warning("%s: deal %s already gone at broker, treating as closed", instrument, pos.DealID)
	default:
		metrics.OrdersTotal.WithLabelValues(instrument, "close", resultLabel(err)).Inc()
		pm.Logger.Error("%s: close deal %s failed: %v", instrument, pos.DealID, err)
		return fmt.Errorf("close %s deal %s: %w", instrument, pos.DealID, err)
	}

	pm.reset(ctx, instrument, exitPrice, reason)
	return nil
}

func (pm *PositionManager) reset(ctx context.Context, instrument string, exitPrice float64, reason string) {
	pos := pm.positions[instrument]
	if pos == nil {
		return
	}
	delete(pm.positions, instrument)
	metrics.UnrealizedPnL.DeleteLabelValues(instrument)
	if exitPrice > 0 {
		pm.Logger.Info("%s: position flat (%s), realized %.5f", instrument, reason, pos.PnLAt(exitPrice))
	} else {
		pm.Logger.Info("%s: position flat (%s)", instrument, reason)
	}
	if pm.Journal != nil {
		if err := pm.Journal.RecordClose(ctx, pos, exitPrice, reason); err != nil {
			pm.Logger.Error("%s: journal close failed: %v", instrument, err)
		}
	}
}

// Reconcile aligns local state with the broker's position list. Positions
// the broker no longer lists go Flat; broker positions on tracked
// instruments that are Flat locally are adopted with the broker's level as
// entry. tracked limits adoption to the instruments this process trades.
// Unconfirmed orders on tracked instruments are settled by the same list.
func (pm *PositionManager) Reconcile(ctx context.Context, tracked []string) error {
	records, err := pm.Broker.GetOpenPositions(ctx)
	if err != nil {
		pm.Logger.Error("Position reconciliation failed: %v", err)
		return fmt.Errorf("reconcile: %w", err)
	}

	byDeal := make(map[string]models.PositionRecord, len(records))
	byInstrument := make(map[string]models.PositionRecord, len(records))
	for _, r := range records {
		byDeal[r.DealID] = r
		if first, dup := byInstrument[r.Instrument]; dup {
			pm.Logger.Warning("%s: broker lists more than one deal (%s, %s); only %s is tracked", r.Instrument, first.DealID, r.DealID, first.DealID)
			continue
		}
		byInstrument[r.Instrument] = r
	}

	for _, instrument := range pm.Instruments() {
		pos := pm.positions[instrument]
		if _, ok := byDeal[pos.DealID]; !ok {
			pm.Logger.Warning("%s: deal %s no longer listed by broker", instrument, pos.DealID)
			pm.reset(ctx, instrument, 0, ReasonReconciled)
		}
	}

	for _, instrument := range tracked {
		if pm.positions[instrument] != nil {
			continue
		}
		p, waiting := pm.pending[instrument]
		delete(pm.pending, instrument)
		rec, ok := byInstrument[instrument]
		if !ok || !rec.Direction.Valid() {
			if waiting {
				pm.Logger.Warning("%s: order %s not listed by broker, treating it as not filled", instrument, p.ref)
			}
			continue
		}
		if rec.Level <= 0 && waiting {
			rec.Level = p.signalPrice
		}
		pos := pm.adopt(instrument, rec)
		if waiting && pm.Journal != nil {
			if err := pm.Journal.RecordOpen(ctx, pos); err != nil {
				pm.Logger.Error("%s: journal open failed: %v", instrument, err)
			}
		}
	}
	return nil
}

func resultLabel(err error) string {
	var rej *api.RejectError
	switch {
	case errors.Is(err, api.ErrUnconfirmed):
		return "unconfirmed"
	case errors.Is(err, api.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, api.ErrNotFound):
		return "not_found"
	case errors.As(err, &rej):
		return "rejected"
	default:
		return "error"
	}
}
