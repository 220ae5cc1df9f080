package models

import (
	"fmt"
	"time"
)

// Direction is the side of a position or order.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// MAFamily selects the moving average used by the evaluator.
type MAFamily string

const (
	FamilyEMA MAFamily = "ema"
	FamilyHMA MAFamily = "hma"
)

// Tick is a single quote from the market-data stream.
type Tick struct {
	Instrument string  `json:"instrument"`
	Timestamp  int64   `json:"timestamp"` // epoch milliseconds
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
}

// Time converts the millisecond timestamp.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// Mid is (bid+ask)/2.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Spread is ask-bid.
func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// HasQuote reports whether both sides are usable prices.
func (t Tick) HasQuote() bool {
	return t.Bid > 0 && t.Ask > 0
}

// Validate rejects ticks that must be dropped before they reach state.
func (t Tick) Validate() error {
	if t.Instrument == "" {
		return fmt.Errorf("tick without instrument")
	}
	if t.Timestamp <= 0 {
		return fmt.Errorf("tick %s: missing timestamp", t.Instrument)
	}
	if !t.HasQuote() {
		return fmt.Errorf("tick %s: invalid quote bid=%v ask=%v", t.Instrument, t.Bid, t.Ask)
	}
	return nil
}

// Bar is a one-minute bid/ask OHLC summary.
type Bar struct {
	Instrument     string    `json:"instrument"`
	Start          time.Time `json:"start"` // bucket start in the aggregation timezone
	StartTimestamp int64     `json:"startTimestamp"`
	OpenBid        float64   `json:"openBid"`
	OpenAsk        float64   `json:"openAsk"`
	HighBid        float64   `json:"highBid"`
	LowBid         float64   `json:"lowBid"`
	HighAsk        float64   `json:"highAsk"`
	LowAsk         float64   `json:"lowAsk"`
	CloseBid       float64   `json:"closeBid"`
	CloseAsk       float64   `json:"closeAsk"`
	TickCount      int       `json:"tickCount"`
}

// CloseMid is the value kept in candle history.
func (b Bar) CloseMid() float64 {
	return (b.CloseBid + b.CloseAsk) / 2
}

// SignalKind discriminates Signal.
type SignalKind int

const (
	SignalHold SignalKind = iota
	SignalBuy
	SignalSell
)

func (k SignalKind) String() string {
	switch k {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Hold reasons
const (
	ReasonInsufficientData = "insufficient data"
	ReasonOverextended     = "overextended"
	ReasonMomentumWeak     = "momentum weakening"
	ReasonIndecisive       = "indecisive"
)

// Signal is the evaluator's verdict for one close series.
type Signal struct {
	Kind      SignalKind `json:"-"`
	Reason    string     `json:"reason,omitempty"`
	Family    MAFamily   `json:"family"`
	MAFast    float64    `json:"maFast,omitempty"`
	MASlow    float64    `json:"maSlow,omitempty"`
	LastClose float64    `json:"lastClose,omitempty"`
	Spread    float64    `json:"spread,omitempty"`
	// Advisory signals come from a forming bar and never trade.
	Advisory bool      `json:"advisory,omitempty"`
	Time     time.Time `json:"time"`
}

// Direction maps Buy/Sell to a position side.
func (s Signal) Direction() (Direction, bool) {
	switch s.Kind {
	case SignalBuy:
		return Buy, true
	case SignalSell:
		return Sell, true
	default:
		return "", false
	}
}

func (s Signal) String() string {
	if s.Kind == SignalHold {
		return fmt.Sprintf("HOLD(%s)[%s]", s.Reason, s.Family)
	}
	return fmt.Sprintf("%s[%s]", s.Kind, s.Family)
}

// OpenPosition is a live position. A nil *OpenPosition means Flat.
//
// DealID, Direction and EntryPrice belong to the position manager;
// TrailingStop, BreakEvenActive and BreakEvenLevel belong to the protection
// monitor. A zero stop level means "not set".
type OpenPosition struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	DealID     string    `json:"dealId"`
	EntryPrice float64   `json:"entryPrice"`
	Size       float64   `json:"size"`
	OpenedAt   time.Time `json:"openedAt"`

	TrailingStop    float64 `json:"trailingStop,omitempty"`
	BreakEvenActive bool    `json:"breakEvenActive"`
	BreakEvenLevel  float64 `json:"breakEvenLevel,omitempty"`

	MarkPrice         float64 `json:"markPrice,omitempty"`
	UnrealizedPnL     float64 `json:"unrealizedPnl"`
	LastTickTimestamp int64   `json:"lastTickTimestamp,omitempty"`
}

// TriggerPrice is the side of the quote the position would be closed at.
func (p *OpenPosition) TriggerPrice(t Tick) float64 {
	if p.Direction == Buy {
		return t.Bid
	}
	return t.Ask
}

// PnLAt is the signed result of closing at price.
func (p *OpenPosition) PnLAt(price float64) float64 {
	if p.Direction == Buy {
		return (price - p.EntryPrice) * p.Size
	}
	return (p.EntryPrice - price) * p.Size
}

// Mark updates the mark-to-market fields from a tick.
func (p *OpenPosition) Mark(t Tick) {
	if !t.HasQuote() {
		return
	}
	p.MarkPrice = p.TriggerPrice(t)
	p.UnrealizedPnL = p.PnLAt(p.MarkPrice)
	p.LastTickTimestamp = t.Timestamp
}

// PositionRecord is one entry of the broker's open position list.
type PositionRecord struct {
	Instrument string    `json:"instrument"`
	DealID     string    `json:"dealId"`
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"`
	Level      float64   `json:"level"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// OpenResult is the broker's answer to a confirmed open.
type OpenResult struct {
	DealID    string
	FillPrice float64 // 0 when the confirmation carried no level
}

// Levels are the protection levels drawn on a chart.
type Levels struct {
	Entry        float64 `json:"entry,omitempty"`
	StopLoss     float64 `json:"stopLoss,omitempty"`
	TakeProfit   float64 `json:"takeProfit,omitempty"`
	TrailingStop float64 `json:"trailingStop,omitempty"`
	BreakEven    float64 `json:"breakEven,omitempty"`
}
