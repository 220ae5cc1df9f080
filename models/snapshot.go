package models

import "time"

// SignalSnapshot is the JSON view of the last evaluated signal.
type SignalSnapshot struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	Reason   string    `json:"reason,omitempty"`
	Family   MAFamily  `json:"family"`
	MAFast   float64   `json:"maFast,omitempty"`
	MASlow   float64   `json:"maSlow,omitempty"`
	Advisory bool      `json:"advisory,omitempty"`
}

// NewSignalSnapshot copies s.
func NewSignalSnapshot(s Signal) SignalSnapshot {
	return SignalSnapshot{
		Time:     s.Time,
		Kind:     s.Kind.String(),
		Reason:   s.Reason,
		Family:   s.Family,
		MAFast:   s.MAFast,
		MASlow:   s.MASlow,
		Advisory: s.Advisory,
	}
}

// InstrumentSnapshot is a read-only copy of one instrument's state.
type InstrumentSnapshot struct {
	Instrument     string          `json:"instrument"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Bid            float64         `json:"bid,omitempty"`
	Ask            float64         `json:"ask,omitempty"`
	FormingBar     *Bar            `json:"formingBar,omitempty"`
	LastClosedBar  *Bar            `json:"lastClosedBar,omitempty"`
	HistoryLen     int             `json:"historyLen"`
	Directionality float64         `json:"directionality"`
	LastSignal     *SignalSnapshot `json:"lastSignal,omitempty"`
	Advisory       *SignalSnapshot `json:"advisory,omitempty"`
	Position       *OpenPosition   `json:"position,omitempty"`
	Levels         Levels          `json:"levels"`
	ParamsVersion  uint64          `json:"paramsVersion"`
}
