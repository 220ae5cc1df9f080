// Package aggregator folds quote ticks into one-minute bid/ask bars.
package aggregator

import (
	"math"
	"time"

	"github.com/Carsten0007/Tradingbot-2/models"
)

// Update describes what a single tick did to the aggregator.
type Update struct {
	// Closed is the sealed bar when the tick opened a new minute.
	Closed *models.Bar
	// Forming is a copy of the bar after the tick was applied.
	Forming models.Bar
	// NotifyForming is set at most once per throttle interval.
	NotifyForming bool
}

// Aggregator builds bars for one instrument. Minute buckets are computed in
// loc so bar boundaries line up with local wall-clock minutes.
type Aggregator struct {
	instrument string
	loc        *time.Location
	throttle   time.Duration
	now        func() time.Time

	bar       *models.Bar
	lastNotif int64
	hasNotif  bool
}

// New creates an aggregator. throttle limits forming notifications; zero
// disables throttling.
func New(instrument string, loc *time.Location, throttle time.Duration) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		instrument: instrument,
		loc:        loc,
		throttle:   throttle,
		now:        time.Now,
	}
}

// MinuteBucket returns the start of the local minute containing ts.
func MinuteBucket(ts int64, loc *time.Location) time.Time {
	t := time.UnixMilli(ts).In(loc)
	return t.Add(-time.Duration(t.Second())*time.Second - time.Duration(t.Nanosecond()))
}

// Add applies a tick. Ticks are taken in arrival order; a tick older than
// the current bucket is folded into the current bar.
func (a *Aggregator) Add(t models.Tick) Update {
	bucket := MinuteBucket(t.Timestamp, a.loc)

	var up Update
	switch {
	case a.bar == nil:
		a.bar = newBar(a.instrument, bucket, t)
	case bucket.After(a.bar.Start):
		sealed := *a.bar
		// The closing print is the first tick of the new minute.
		sealed.CloseBid = t.Bid
		sealed.CloseAsk = t.Ask
		sealed.HighBid = math.Max(sealed.HighBid, t.Bid)
		sealed.LowBid = math.Min(sealed.LowBid, t.Bid)
		sealed.HighAsk = math.Max(sealed.HighAsk, t.Ask)
		sealed.LowAsk = math.Min(sealed.LowAsk, t.Ask)
		up.Closed = &sealed
		a.bar = newBar(a.instrument, bucket, t)
	default:
		b := a.bar
		b.HighBid = math.Max(b.HighBid, t.Bid)
		b.LowBid = math.Min(b.LowBid, t.Bid)
		b.HighAsk = math.Max(b.HighAsk, t.Ask)
		b.LowAsk = math.Min(b.LowAsk, t.Ask)
		b.CloseBid = t.Bid
		b.CloseAsk = t.Ask
		b.TickCount++
	}

	up.Forming = *a.bar
	up.NotifyForming = a.shouldNotify()
	return up
}

func (a *Aggregator) shouldNotify() bool {
	if a.throttle <= 0 {
		return true
	}
	slot := a.now().UnixNano() / int64(a.throttle)
	if a.hasNotif && slot == a.lastNotif {
		return false
	}
	a.lastNotif = slot
	a.hasNotif = true
	return true
}

// Current returns a copy of the forming bar.
func (a *Aggregator) Current() (models.Bar, bool) {
	if a.bar == nil {
		return models.Bar{}, false
	}
	return *a.bar, true
}

func newBar(instrument string, bucket time.Time, t models.Tick) *models.Bar {
	return &models.Bar{
		Instrument:     instrument,
		Start:          bucket,
		StartTimestamp: bucket.UnixMilli(),
		OpenBid:        t.Bid,
		OpenAsk:        t.Ask,
		HighBid:        t.Bid,
		LowBid:         t.Bid,
		HighAsk:        t.Ask,
		LowAsk:         t.Ask,
		CloseBid:       t.Bid,
		CloseAsk:       t.Ask,
		TickCount:      1,
	}
}
