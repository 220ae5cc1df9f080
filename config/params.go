package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Carsten0007/Tradingbot-2/models"
)

// Params are the per-instrument trading parameters. Percent values are
// fractions of price (0.003 = 0.3%).
type Params struct {
	MAFamily                 models.MAFamily `yaml:"maFamily" json:"maFamily"`
	FastPeriod               int             `yaml:"fastPeriod" json:"fastPeriod"`
	SlowPeriod               int             `yaml:"slowPeriod" json:"slowPeriod"`
	MaxDistanceSpreadsFactor float64         `yaml:"maxDistanceSpreadsFactor" json:"maxDistanceSpreadsFactor"`
	MomentumTolerance        float64         `yaml:"momentumTolerance" json:"momentumTolerance"`
	TradeBarrier             float64         `yaml:"tradeBarrier" json:"tradeBarrier"`
	TradeSize                float64         `yaml:"tradeSize" json:"tradeSize"`
	StopLossPct              float64         `yaml:"stopLossPct" json:"stopLossPct"`
	TakeProfitPct            float64         `yaml:"takeProfitPct" json:"takeProfitPct"`
	TrailingStopPct          float64         `yaml:"trailingStopPct" json:"trailingStopPct"`
	BreakEvenStopPct         float64         `yaml:"breakEvenStopPct" json:"breakEvenStopPct"`
	BreakEvenBufferPct       float64         `yaml:"breakEvenBufferPct" json:"breakEvenBufferPct"`
	TrailingCalmDownFactor   float64         `yaml:"trailingCalmDownFactor" json:"trailingCalmDownFactor"`
}

// DefaultParams returns the built-in parameter set.
func DefaultParams() Params {
	return Params{
		MAFamily:                 models.FamilyEMA,
		FastPeriod:               9,
		SlowPeriod:               21,
		MaxDistanceSpreadsFactor: 50,
		MomentumTolerance:        0.5,
		TradeBarrier:             0.5,
		TradeSize:                1,
		StopLossPct:              0.003,
		TakeProfitPct:            0.01,
		TrailingStopPct:          0.005,
		BreakEvenStopPct:         0.001,
		BreakEvenBufferPct:       0.002,
		TrailingCalmDownFactor:   1.0,
	}
}

// Validate reports the first inconsistent field.
func (p Params) Validate() error {
	switch p.MAFamily {
	case models.FamilyEMA, models.FamilyHMA:
	default:
		return fmt.Errorf("unknown maFamily %q", p.MAFamily)
	}
	if p.FastPeriod < 1 || p.SlowPeriod < 1 {
		return fmt.Errorf("periods must be positive: fast=%d slow=%d", p.FastPeriod, p.SlowPeriod)
	}
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("fastPeriod %d must be below slowPeriod %d", p.FastPeriod, p.SlowPeriod)
	}
	if p.TradeSize <= 0 {
		return fmt.Errorf("tradeSize must be positive: %v", p.TradeSize)
	}
	for name, v := range map[string]float64{
		"stopLossPct":            p.StopLossPct,
		"takeProfitPct":          p.TakeProfitPct,
		"trailingStopPct":        p.TrailingStopPct,
		"breakEvenStopPct":       p.BreakEvenStopPct,
		"breakEvenBufferPct":     p.BreakEvenBufferPct,
		"trailingCalmDownFactor": p.TrailingCalmDownFactor,
		"tradeBarrier":           p.TradeBarrier,
		"momentumTolerance":      p.MomentumTolerance,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative: %v", name, v)
		}
	}
	return nil
}

type paramsFile struct {
	Defaults    yaml.Node            `yaml:"defaults"`
	Instruments map[string]yaml.Node `yaml:"instruments"`
}

// ParamStore serves per-instrument Params from a YAML file:
//
//	defaults:
//	  fastPeriod: 9
//	instruments:
//	  BTCUSD:
//	    maFamily: hma
//
// Instrument entries override defaults field by field.
type ParamStore struct {
	path string

	mu        sync.RWMutex
	defaults  Params
	overrides map[string]Params
	modTime   time.Time
	version   uint64
}

// NewParamStore loads path. A missing file yields built-in defaults.
func NewParamStore(path string) (*ParamStore, error) {
	s := &ParamStore{
		path:      path,
		defaults:  DefaultParams(),
		overrides: map[string]Params{},
	}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file when its modification time changed. It returns
// true when a new parameter set was installed. On error the previous set
// stays in place.
func (s *ParamStore) Reload() (bool, error) {
	if strings.TrimSpace(s.path) == "" {
		return false, nil
	}
	st, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat params file: %w", err)
	}

	s.mu.RLock()
	same := st.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if same {
		return false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read params file: %w", err)
	}
	defaults, overrides, err := parseParams(data)
	if err != nil {
		return false, fmt.Errorf("parse params file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.defaults = defaults
	s.overrides = overrides
	s.modTime = st.ModTime()
	s.version++
	s.mu.Unlock()
	return true, nil
}

func parseParams(data []byte) (Params, map[string]Params, error) {
	var f paramsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Params{}, nil, err
	}

	defaults := DefaultParams()
	if !f.Defaults.IsZero() {
		if err := f.Defaults.Decode(&defaults); err != nil {
			return Params{}, nil, fmt.Errorf("defaults: %w", err)
		}
	}
	if err := defaults.Validate(); err != nil {
		return Params{}, nil, fmt.Errorf("defaults: %w", err)
	}

	overrides := make(map[string]Params, len(f.Instruments))
	for name, node := range f.Instruments {
		p := defaults
		if err := node.Decode(&p); err != nil {
			return Params{}, nil, fmt.Errorf("instrument %s: %w", name, err)
		}
		if err := p.Validate(); err != nil {
			return Params{}, nil, fmt.Errorf("instrument %s: %w", name, err)
		}
		overrides[strings.ToUpper(name)] = p
	}
	return defaults, overrides, nil
}

// For returns the effective parameters for an instrument.
func (s *ParamStore) For(instrument string) Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.overrides[strings.ToUpper(instrument)]; ok {
		return p
	}
	return s.defaults
}

// Version increments on every installed reload.
func (s *ParamStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
