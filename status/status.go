// Package status serves a local read-only HTTP view of the bot. Instrument
// state, chart frames, the trade journal and Prometheus metrics are exposed
// as JSON routes, and /ws pushes state and chart frames to websocket clients.
package status

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Carsten0007/Tradingbot-2/chart"
	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/journal"
	"github.com/Carsten0007/Tradingbot-2/logging"
	"github.com/Carsten0007/Tradingbot-2/metrics"
	"github.com/Carsten0007/Tradingbot-2/models"
)

const requestIDHeader = "X-Request-ID"

// StateSource exposes instrument snapshots.
type StateSource interface {
	Snapshot() []models.InstrumentSnapshot
	InstrumentSnapshot(instrument string) (models.InstrumentSnapshot, bool)
}

// ChartSource exposes published chart frames.
type ChartSource interface {
	Snapshot(instrument string) (chart.Frame, bool)
}

// TradeSource exposes the journal.
type TradeSource interface {
	Trades(ctx context.Context, limit int) ([]journal.Trade, error)
	TotalPnL(ctx context.Context, instrument string) (decimal.Decimal, error)
}

type statusResponse struct {
	Time        time.Time                   `json:"time"`
	Uptime      string                      `json:"uptime"`
	Account     string                      `json:"account"`
	Instruments []models.InstrumentSnapshot `json:"instruments"`
}

type tradeResponse struct {
	ID         string              `json:"id"`
	Instrument string              `json:"instrument"`
	DealID     string              `json:"dealId"`
	Direction  models.Direction    `json:"direction"`
	Size       decimal.Decimal     `json:"size"`
	EntryPrice decimal.Decimal     `json:"entryPrice"`
	ExitPrice  decimal.NullDecimal `json:"exitPrice"`
	PnL        decimal.NullDecimal `json:"pnl"`
	Reason     string              `json:"reason,omitempty"`
	Status     string              `json:"status"`
	OpenedAt   time.Time           `json:"openedAt"`
	ClosedAt   *time.Time          `json:"closedAt,omitempty"`
}

// Handler holds the sources behind the routes. charts and trades may be
// nil; their routes then answer 404 and 503.
type Handler struct {
	cfg     *config.Config
	state   StateSource
	charts  ChartSource
	trades  TradeSource
	logger  logging.LoggerInterface
	hub     *Hub
	started time.Time
}

func NewHandler(cfg *config.Config, state StateSource, charts ChartSource, trades TradeSource, logger logging.LoggerInterface) *Handler {
	if logger == nil {
		logger = logging.Nop{}
	}
	h := &Handler{
		cfg:     cfg,
		state:   state,
		charts:  charts,
		trades:  trades,
		logger:  logger,
		started: time.Now(),
	}
	h.hub = NewHub(h, DefaultPushInterval)
	return h
}

// Hub returns the websocket push hub behind /ws.
func (h *Handler) Hub() *Hub { return h.hub }

// Routes builds the gin engine.
func (h *Handler) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(h.requestID(), h.accessLog(), gin.Recovery())

	router.GET("/healthz", h.health)
	router.GET("/status", h.status)
	router.GET("/status/:instrument", h.instrument)
	router.GET("/chart/:instrument", h.chart)
	router.GET("/trades", h.tradeList)
	router.GET("/pnl", h.pnl)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", h.hub.serve)
	return router
}

func (h *Handler) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("Status request %s %s -> %d in %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Time:        time.Now(),
		Uptime:      time.Since(h.started).Truncate(time.Second).String(),
		Account:     h.cfg.AccountType,
		Instruments: h.state.Snapshot(),
	})
}

func (h *Handler) instrument(c *gin.Context) {
	inst := strings.ToUpper(c.Param("instrument"))
	snap, ok := h.state.InstrumentSnapshot(inst)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument " + inst})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) chart(c *gin.Context) {
	inst := strings.ToUpper(c.Param("instrument"))
	if h.charts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "charts disabled"})
		return
	}
	frame, ok := h.charts.Snapshot(inst)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no chart for " + inst})
		return
	}
	c.JSON(http.StatusOK, frame)
}

func (h *Handler) tradeList(c *gin.Context) {
	if h.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	rows, err := h.trades.Trades(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Status trades query failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal query failed"})
		return
	}
	out := make([]tradeResponse, 0, len(rows))
	for _, t := range rows {
		r := tradeResponse{
			ID:         t.ID,
			Instrument: t.Instrument,
			DealID:     t.DealID,
			Direction:  t.Direction,
			Size:       t.Size,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			PnL:        t.PnL,
			Reason:     t.Reason,
			Status:     t.Status,
			OpenedAt:   t.OpenedAt,
		}
		if t.ClosedAt.Valid {
			closed := t.ClosedAt.Time
			r.ClosedAt = &closed
		}
		out = append(out, r)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) pnl(c *gin.Context) {
	if h.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	inst := strings.ToUpper(c.Query("instrument"))
	total, err := h.trades.TotalPnL(c.Request.Context(), inst)
	if err != nil {
		h.logger.Error("Status pnl query failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": inst, "realized": total})
}

// StartServer starts a local HTTP status server for diagnostics. It returns
// nil when StatusAddr is empty, "off" or "disabled".
func StartServer(cfg *config.Config, h *Handler, logger logging.LoggerInterface) *http.Server {
	addr := strings.TrimSpace(cfg.StatusAddr)
	if addr == "" || strings.EqualFold(addr, "off") || strings.EqualFold(addr, "disabled") {
		logger.Info("Status server disabled")
		return nil
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	server.RegisterOnShutdown(stop)
	go h.hub.Run(ctx)

	go func() {
		logger.Info("Status server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server error: %v", err)
		}
	}()

	return server
}
