// Package session keeps a broker session and a market-data subscription
// alive, reconnecting with a fixed delay whenever either breaks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Carsten0007/Tradingbot-2/api"
	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/logging"
	"github.com/Carsten0007/Tradingbot-2/metrics"
	"github.com/Carsten0007/Tradingbot-2/models"
	"github.com/Carsten0007/Tradingbot-2/websocket"
)

// Broker is the part of the REST client the supervisor needs.
type Broker interface {
	Login(ctx context.Context) (api.Session, error)
	Session() api.Session
	ResetSession()
	Ping(ctx context.Context) error
}

// Stream is one market-data connection.
type Stream interface {
	Connect(ctx context.Context, s api.Session, instruments []string) error
	ReadTick() (models.Tick, bool, error)
	Ping() error
	Close() error
}

// Handler consumes the stream. OnTick is called from a single goroutine.
type Handler interface {
	OnConnected(ctx context.Context) error
	OnTick(ctx context.Context, t models.Tick)
}

// Supervisor runs the connect, subscribe and consume cycle forever.
type Supervisor struct {
	Broker      Broker
	NewStream   func() Stream
	Handler     Handler
	Logger      logging.LoggerInterface
	Instruments []string

	ReconnectDelay  time.Duration
	PingPeriod      time.Duration
	MaxAuthFailures int

	relogin      atomic.Bool
	authFailures int
}

func NewSupervisor(cfg *config.Config, broker Broker, newStream func() Stream, handler Handler, logger logging.LoggerInterface) *Supervisor {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Supervisor{
		Broker:          broker,
		NewStream:       newStream,
		Handler:         handler,
		Logger:          logger,
		Instruments:     cfg.Instruments,
		ReconnectDelay:  cfg.ReconnectDelay(),
		PingPeriod:      cfg.PingPeriod(),
		MaxAuthFailures: cfg.MaxAuthFailures,
	}
}

// Run blocks until ctx is cancelled. Every failure ends the current cycle
// and starts a new one after ReconnectDelay; retries are unlimited.
func (s *Supervisor) Run(ctx context.Context) error {
	delay := s.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		err := s.cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ReconnectsTotal.Inc()
		s.Logger.Error("Market stream cycle ended: %v; reconnecting in %s", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) ensureSession(ctx context.Context) (api.Session, error) {
	sess := s.Broker.Session()
	if sess.Valid() && !s.relogin.Load() {
		return sess, nil
	}
	sess, err := s.Broker.Login(ctx)
	if err != nil {
		return api.Session{}, err
	}
	s.relogin.Store(false)
	return sess, nil
}

// noteAuthFailure forces a fresh login next cycle and drops the session
// once failures pile up.
func (s *Supervisor) noteAuthFailure() {
	s.relogin.Store(true)
	s.authFailures++
	limit := s.MaxAuthFailures
	if limit <= 0 {
		limit = 3
	}
	if s.authFailures >= limit {
		s.Logger.Warning("%d consecutive stream auth failures, resetting session", s.authFailures)
		s.Broker.ResetSession()
		s.authFailures = 0
	}
}

func (s *Supervisor) cycle(ctx context.Context) error {
	sess, err := s.ensureSession(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			s.noteAuthFailure()
		}
		return fmt.Errorf("login: %w", err)
	}

	st := s.NewStream()
	if err := st.Connect(ctx, sess, s.Instruments); err != nil {
		if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrNoSession) {
			s.noteAuthFailure()
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	s.authFailures = 0
	s.Logger.Info("Market stream connected for %v", s.Instruments)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-loopCtx.Done()
		st.Close()
	}()

	if err := s.Handler.OnConnected(loopCtx); err != nil {
		s.Logger.Warning("Position reconciliation failed: %v", err)
	}

	pingErr := make(chan error, 1)
	go s.keepAlive(loopCtx, st, pingErr, cancel)

	for {
		t, ok, err := st.ReadTick()
		if err != nil {
			if errors.Is(err, websocket.ErrDataFormat) {
				metrics.DroppedTicksTotal.WithLabelValues("malformed").Inc()
				s.Logger.Debug("Dropping stream message: %v", err)
				continue
			}
			select {
			case perr := <-pingErr:
				return fmt.Errorf("ping: %w", perr)
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		if !ok {
			continue
		}
		s.Handler.OnTick(ctx, t)
	}
}

// keepAlive pings the stream and the REST session every PingPeriod. A failed
// stream ping cancels the cycle.
func (s *Supervisor) keepAlive(ctx context.Context, st Stream, errc chan<- error, cancel context.CancelFunc) {
	period := s.PingPeriod
	if period <= 0 {
		period = 5 * time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Ping(); err != nil {
				errc <- err
				cancel()
				return
			}
			if err := s.Broker.Ping(ctx); err != nil {
				s.Logger.Warning("REST keep-alive failed: %v", err)
				if errors.Is(err, api.ErrUnauthorized) {
					s.relogin.Store(true)
				}
			}
		}
	}
}
