package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/logging"
	"github.com/Carsten0007/Tradingbot-2/metrics"
	"github.com/Carsten0007/Tradingbot-2/models"
)

const (
	headerAPIKey   = "X-CAP-API-KEY"
	headerCST      = "CST"
	headerSecurity = "X-SECURITY-TOKEN"
)

// Session holds the two tokens every authenticated call needs.
type Session struct {
	CST           string
	SecurityToken string
}

func (s Session) Valid() bool {
	return s.CST != "" && s.SecurityToken != ""
}

// RESTClient talks to the Capital.com REST API. A 401 answer triggers one
// re-login and one retry of the call; repeated auth failures drop the
// session so the next call starts from scratch.
type RESTClient struct {
	Config *config.Config
	Logger logging.LoggerInterface

	http    *http.Client
	limiter *rate.Limiter

	mu           sync.Mutex
	session      Session
	authFailures int
}

// NewRESTClient creates a new REST API client
func NewRESTClient(cfg *config.Config, logger logging.LoggerInterface) *RESTClient {
	if logger == nil {
		logger = logging.Nop{}
	}
	timeout := cfg.HTTPTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSec := cfg.RESTRatePerSec
	if perSec <= 0 {
		perSec = 10
	}
	return &RESTClient{
		Config:  cfg,
		Logger:  logger,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
	}
}

// Session returns the current tokens; zero value when logged out.
func (c *RESTClient) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ResetSession drops both tokens.
func (c *RESTClient) ResetSession() {
	c.mu.Lock()
	c.session = Session{}
	c.authFailures = 0
	c.mu.Unlock()
}

func (c *RESTClient) maxAuthFailures() int {
	if c.Config.MaxAuthFailures > 0 {
		return c.Config.MaxAuthFailures
	}
	return 3
}

// noteAuthFailure counts a consecutive auth failure and drops the session
// once the threshold is reached.
func (c *RESTClient) noteAuthFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFailures++
	if c.authFailures >= c.maxAuthFailures() {
		c.Logger.Warning("%d consecutive auth failures, resetting session", c.authFailures)
		c.session = Session{}
		c.authFailures = 0
	}
}

func (c *RESTClient) noteAuthOK() {
	c.mu.Lock()
	c.authFailures = 0
	c.mu.Unlock()
}

// Login opens a new session and stores its tokens.
func (c *RESTClient) Login(ctx context.Context) (Session, error) {
	const path = "/api/v1/session"
	body, _ := json.Marshal(map[string]interface{}{
		"identifier":        c.Config.Identifier,
		"password":          c.Config.Password,
		"encryptedPassword": false,
	})

	c.Logger.Info("Sending POST request to broker: %s (identifier %s)", path, c.Config.Identifier)
	resp, respBody, err := c.send(ctx, http.MethodPost, path, body, Session{})
	if err != nil {
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return Session{}, fmt.Errorf("login: %w", err)
	}
	c.Logger.Info("Received response from broker for %s: Status %d", path, resp.StatusCode)

	if resp.StatusCode/100 != 2 {
		metrics.LoginsTotal.WithLabelValues("rejected").Inc()
		c.noteAuthFailure()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return Session{}, fmt.Errorf("login: status %d body %s: %w", resp.StatusCode, string(respBody), ErrUnauthorized)
		}
		return Session{}, &RejectError{Op: "login", Status: resp.StatusCode, Code: errorCode(respBody), Body: string(respBody)}
	}

	s := Session{CST: resp.Header.Get(headerCST), SecurityToken: resp.Header.Get(headerSecurity)}
	if !s.Valid() {
		metrics.LoginsTotal.WithLabelValues("no_tokens").Inc()
		c.noteAuthFailure()
		return Session{}, fmt.Errorf("login: response without session tokens: %w", ErrUnauthorized)
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	metrics.LoginsTotal.WithLabelValues("ok").Inc()
	c.Logger.Info("Broker session established (%s account)", c.Config.AccountType)
	return s, nil
}

// send performs one HTTP exchange. Authenticated when s is valid.
func (c *RESTClient) send(ctx context.Context, method, path string, body []byte, s Session) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Config.RESTURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set(headerAPIKey, c.Config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if s.Valid() {
		req.Header.Set(headerCST, s.CST)
		req.Header.Set(headerSecurity, s.SecurityToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.Logger.Error("Failed to send %s request to broker %s: %v", method, path, err)
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	return resp, respBody, nil
}

// call runs an authenticated request with one re-login on 401.
func (c *RESTClient) call(ctx context.Context, op, method, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode: %w", op, err)
		}
		body = raw
	}

	const attempts = 2
	for attempt := 1; attempt <= attempts; attempt++ {
		s := c.Session()
		if !s.Valid() {
			var err error
			if s, err = c.Login(ctx); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}

		if body != nil {
			c.Logger.Info("Sending %s request to broker: %s, Body: %s", method, path, string(body))
		} else {
			c.Logger.Info("Sending %s request to broker: %s", method, path)
		}
		resp, respBody, err := c.send(ctx, method, path, body, s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		c.Logger.Info("Received response from broker for %s: Status %d, Body: %s", path, resp.StatusCode, string(respBody))

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			c.noteAuthFailure()
			if attempt < attempts {
				c.Logger.Warning("%s: session rejected (401), re-authenticating", op)
				if _, err := c.Login(ctx); err != nil {
					return nil, fmt.Errorf("%s: re-login: %w", op, err)
				}
				continue
			}
			return nil, fmt.Errorf("%s: status 401 body %s: %w", op, string(respBody), ErrUnauthorized)
		case resp.StatusCode == http.StatusNotFound || strings.Contains(errorCode(respBody), "not-found"):
			c.noteAuthOK()
			return nil, fmt.Errorf("%s: %s: %w", op, string(respBody), ErrNotFound)
		case resp.StatusCode/100 != 2:
			c.noteAuthOK()
			return nil, &RejectError{Op: op, Status: resp.StatusCode, Code: errorCode(respBody), Body: string(respBody)}
		}
		c.noteAuthOK()
		return respBody, nil
	}
	return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
}

func errorCode(body []byte) string {
	var e struct {
		ErrorCode string `json:"errorCode"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	return e.ErrorCode
}

// Ping keeps the REST session alive.
func (c *RESTClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", http.MethodGet, "/api/v1/ping", nil)
	return err
}

// GetOpenPositions lists the account's open positions.
func (c *RESTClient) GetOpenPositions(ctx context.Context) ([]models.PositionRecord, error) {
	body, err := c.call(ctx, "get positions", http.MethodGet, "/api/v1/positions", nil)
	if err != nil {
		return nil, err
	}

	var r struct {
		Positions []struct {
			Position struct {
				DealID      string  `json:"dealId"`
				Direction   string  `json:"direction"`
				Size        float64 `json:"size"`
				Level       float64 `json:"level"`
				CreatedDate string  `json:"createdDateUTC"`
			} `json:"position"`
			Market struct {
				Epic string `json:"epic"`
			} `json:"market"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("get positions: decode: %w", err)
	}

	out := make([]models.PositionRecord, 0, len(r.Positions))
	for _, p := range r.Positions {
		rec := models.PositionRecord{
			Instrument: p.Market.Epic,
			DealID:     p.Position.DealID,
			Direction:  models.Direction(strings.ToUpper(p.Position.Direction)),
			Size:       p.Position.Size,
			Level:      p.Position.Level,
		}
		if ts, err := time.Parse("2006-01-02T15:04:05.999", p.Position.CreatedDate); err == nil {
			rec.CreatedAt = ts.UTC()
		}
		out = append(out, rec)
	}
	return out, nil
}

// OpenPosition places a market position and waits for the deal
// confirmation. FillPrice is 0 when the confirmation has no level.
func (c *RESTClient) OpenPosition(ctx context.Context, instrument string, dir models.Direction, size float64) (models.OpenResult, error) {
	if !dir.Valid() {
		return models.OpenResult{}, fmt.Errorf("open position: invalid direction %q", dir)
	}
	payload := map[string]interface{}{
		"epic":      instrument,
		"direction": string(dir),
		"size":      json.Number(decimal.NewFromFloat(size).Round(6).String()),
	}
	body, err := c.call(ctx, "open position "+instrument, http.MethodPost, "/api/v1/positions", payload)
	if err != nil {
		return models.OpenResult{}, err
	}

	var created struct {
		DealReference string `json:"dealReference"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.DealReference == "" {
		return models.OpenResult{}, &RejectError{Op: "open position " + instrument, Status: http.StatusOK, Body: string(body)}
	}
	return c.confirm(ctx, instrument, created.DealReference)
}

// confirm resolves a deal reference. Only an explicit non-ACCEPTED status
// is a rejection; every other failure is an *UnconfirmedError.
func (c *RESTClient) confirm(ctx context.Context, instrument, ref string) (models.OpenResult, error) {
	op := "confirm " + instrument
	unconfirmed := func(err error) (models.OpenResult, error) {
		c.Logger.Error("%s: deal reference %s accepted but not confirmed: %v", op, ref, err)
		return models.OpenResult{}, &UnconfirmedError{Op: op, DealReference: ref, Err: err}
	}

	body, err := c.call(ctx, op, http.MethodGet, "/api/v1/confirms/"+ref, nil)
	if err != nil {
		return unconfirmed(err)
	}

	var r struct {
		DealStatus    string  `json:"dealStatus"`
		Status        string  `json:"status"`
		Reason        string  `json:"reason"`
		DealID        string  `json:"dealId"`
		Level         float64 `json:"level"`
		AffectedDeals []struct {
			DealID string `json:"dealId"`
			Status string `json:"status"`
		} `json:"affectedDeals"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return unconfirmed(fmt.Errorf("decode: %w", err))
	}
	if r.DealStatus != "" && !strings.EqualFold(r.DealStatus, "ACCEPTED") {
		return models.OpenResult{}, &RejectError{Op: op, Status: http.StatusOK, Code: r.Reason, Body: string(body)}
	}
	if r.DealStatus == "" {
		return unconfirmed(fmt.Errorf("no dealStatus in %s", string(body)))
	}

	dealID := r.DealID
	if len(r.AffectedDeals) > 0 && r.AffectedDeals[0].DealID != "" {
		dealID = r.AffectedDeals[0].DealID
	}
	if dealID == "" {
		return unconfirmed(fmt.Errorf("no dealId in %s", string(body)))
	}
	return models.OpenResult{DealID: dealID, FillPrice: r.Level}, nil
}

// ClosePosition closes a deal. A deal the broker does not know returns
// ErrNotFound.
func (c *RESTClient) ClosePosition(ctx context.Context, dealID string) error {
	if dealID == "" {
		return fmt.Errorf("close position: empty dealId: %w", ErrNotFound)
	}
	_, err := c.call(ctx, "close position "+dealID, http.MethodDelete, "/api/v1/positions/"+dealID, nil)
	return err
}
