// Package chart keeps a rolling, per-instrument series of quotes, moving
// averages and protection levels for the status endpoint. It is output only;
// nothing in the trading path reads from it.
package chart

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Carsten0007/Tradingbot-2/models"
)

const (
	DefaultWindow    = 305 * time.Second
	DefaultMaxPoints = 2000
	DefaultThrottle  = 200 * time.Millisecond
)

// Point is one sample of the chart.
type Point struct {
	Time      time.Time        `json:"time"`
	Bid       float64          `json:"bid"`
	Ask       float64          `json:"ask"`
	Family    models.MAFamily  `json:"family,omitempty"`
	MAFast    float64          `json:"maFast,omitempty"`
	MASlow    float64          `json:"maSlow,omitempty"`
	Levels    models.Levels    `json:"levels"`
	Direction models.Direction `json:"direction,omitempty"`
}

// Update is what the trader publishes on every tick.
type Update struct {
	Instrument string
	Tick       models.Tick
	Family     models.MAFamily
	MAFast     float64
	MASlow     float64
	Levels     models.Levels
	// Position is nil when the instrument is flat.
	Position *models.OpenPosition
}

// Frame is the published, throttled view of one instrument.
type Frame struct {
	Instrument string    `json:"instrument"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Title      string    `json:"title"`
	TradeOpen  bool      `json:"tradeOpen"`
	PnL        float64   `json:"pnl"`
	Points     []Point   `json:"points"`
}

type series struct {
	points      []Point
	tradeOpen   bool
	lastFrameMs int64
	published   bool
	frame       Frame
}

// Buffer holds one series per instrument. Safe for concurrent use.
type Buffer struct {
	mu        sync.Mutex
	window    time.Duration
	maxPoints int
	throttle  time.Duration
	series    map[string]*series
}

func NewBuffer(window time.Duration, maxPoints int, throttle time.Duration) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	if throttle < 0 {
		throttle = 0
	}
	return &Buffer{
		window:    window,
		maxPoints: maxPoints,
		throttle:  throttle,
		series:    make(map[string]*series),
	}
}

// Title renders the headline of a chart.
func Title(pos *models.OpenPosition, t models.Tick) (string, float64) {
	if pos == nil {
		return "no trade", 0
	}
	pnl := pos.UnrealizedPnL
	if pnl == 0 && pos.EntryPrice > 0 && t.HasQuote() {
		pnl = pos.PnLAt(pos.TriggerPrice(t))
	}
	side := "LONG"
	if pos.Direction == models.Sell {
		side = "SHORT"
	}
	return fmt.Sprintf("%s trade open | Δ %+.2f", side, pnl), pnl
}

// Publish records u and reports whether a new frame was published. Frames
// are throttled per instrument by tick time.
func (b *Buffer) Publish(u Update) bool {
	if u.Instrument == "" || !u.Tick.HasQuote() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.series[u.Instrument]
	if !ok {
		s = &series{}
		b.series[u.Instrument] = s
	}

	open := u.Position != nil
	p := Point{
		Time:   u.Tick.Time(),
		Bid:    u.Tick.Bid,
		Ask:    u.Tick.Ask,
		Family: u.Family,
		MAFast: u.MAFast,
		MASlow: u.MASlow,
	}
	if open {
		p.Direction = u.Position.Direction
		p.Levels = u.Levels
		if n := len(s.points); n > 0 {
			fillLevels(&p.Levels, s.points[n-1].Levels)
		}
	}

	changed := s.tradeOpen != open
	if s.tradeOpen && !open {
		for i := range s.points {
			s.points[i].Levels = models.Levels{}
			s.points[i].Direction = ""
		}
	}
	s.tradeOpen = open

	s.points = append(s.points, p)
	if n := len(s.points); n > 1 && s.points[n-1].Time.Before(s.points[n-2].Time) {
		sort.SliceStable(s.points, func(i, j int) bool {
			return s.points[i].Time.Before(s.points[j].Time)
		})
	}
	b.trim(s)

	title, pnl := Title(u.Position, u.Tick)
	ts := u.Tick.Timestamp
	if s.published && !changed && ts-s.lastFrameMs < b.throttle.Milliseconds() && ts >= s.lastFrameMs {
		// title still tracks the live state between frames
		s.frame.Title, s.frame.PnL, s.frame.TradeOpen = title, pnl, open
		return false
	}
	s.published = true
	s.lastFrameMs = ts
	s.frame = Frame{
		Instrument: u.Instrument,
		UpdatedAt:  u.Tick.Time(),
		Title:      title,
		TradeOpen:  open,
		PnL:        pnl,
		Points:     append([]Point(nil), s.points...),
	}
	return true
}

// fillLevels copies unset levels from prev.
func fillLevels(l *models.Levels, prev models.Levels) {
	if l.Entry == 0 {
		l.Entry = prev.Entry
	}
	if l.StopLoss == 0 {
		l.StopLoss = prev.StopLoss
	}
	if l.TakeProfit == 0 {
		l.TakeProfit = prev.TakeProfit
	}
	if l.TrailingStop == 0 {
		l.TrailingStop = prev.TrailingStop
	}
	if l.BreakEven == 0 {
		l.BreakEven = prev.BreakEven
	}
}

func (b *Buffer) trim(s *series) {
	if n := len(s.points); n > b.maxPoints {
		s.points = append(s.points[:0], s.points[n-b.maxPoints:]...)
	}
	if len(s.points) <= 2 {
		return
	}
	cutoff := s.points[len(s.points)-1].Time.Add(-b.window)
	drop := 0
	for drop < len(s.points)-2 && s.points[drop].Time.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.points = append(s.points[:0], s.points[drop:]...)
	}
}

// Snapshot returns a copy of the last published frame.
func (b *Buffer) Snapshot(instrument string) (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[instrument]
	if !ok || !s.published {
		return Frame{}, false
	}
	f := s.frame
	f.Points = append([]Point(nil), s.frame.Points...)
	return f, true
}

// Instruments lists instruments that have published at least one frame.
func (b *Buffer) Instruments() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.series))
	for k, s := range b.series {
		if s.published {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
