// Package websocket is the market-data stream client: it subscribes to
// quotes for a set of instruments and decodes them into ticks.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Carsten0007/Tradingbot-2/api"
	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/logging"
	"github.com/Carsten0007/Tradingbot-2/models"
)

const (
	destSubscribe = "marketData.subscribe"
	destPing      = "ping"
	destQuote     = "quote"

	// maxAckMessages bounds how many frames are read while waiting for the
	// subscription ack.
	maxAckMessages = 50
)

// ErrDataFormat marks a message that could not be decoded into a tick.
var ErrDataFormat = errors.New("malformed quote")

type envelope struct {
	Destination   string          `json:"destination"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Status        string          `json:"status,omitempty"`
	CST           string          `json:"cst,omitempty"`
	SecurityToken string          `json:"securityToken,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type quotePayload struct {
	Epic      string          `json:"epic"`
	Bid       json.RawMessage `json:"bid"`
	Ofr       json.RawMessage `json:"ofr"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Client holds one stream connection. Reads must come from a single
// goroutine; writes may come from any.
type Client struct {
	Config *config.Config
	Logger logging.LoggerInterface

	dialer  *websocket.Dialer
	conn    *websocket.Conn
	writeMu sync.Mutex
	session api.Session
	pending []models.Tick
}

func NewClient(cfg *config.Config, logger logging.LoggerInterface) *Client {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Client{
		Config: cfg,
		Logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HTTPTimeout()},
	}
}

func (c *Client) streamURL(s api.Session) string {
	u, err := url.Parse(c.Config.StreamURL)
	if err != nil {
		return c.Config.StreamURL
	}
	q := u.Query()
	q.Set("CST", s.CST)
	q.Set("X-SECURITY-TOKEN", s.SecurityToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect dials the stream and subscribes to instruments. A rejected
// subscription is reported as api.ErrUnauthorized, a session without tokens
// as api.ErrNoSession.
func (c *Client) Connect(ctx context.Context, s api.Session, instruments []string) error {
	if !s.Valid() {
		return fmt.Errorf("stream connect: %w", api.ErrNoSession)
	}
	c.Logger.Debug("Attempting to connect to market stream: %s", c.Config.StreamURL)
	conn, _, err := c.dialer.DialContext(ctx, c.streamURL(s), nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	c.conn = conn
	c.session = s
	c.pending = nil

	id := uuid.NewString()
	sub := envelope{
		Destination:   destSubscribe,
		CorrelationID: id,
		CST:           s.CST,
		SecurityToken: s.SecurityToken,
	}
	sub.Payload, _ = json.Marshal(map[string][]string{"epics": instruments})
	c.Logger.Debug("Sending subscription request to broker: %v", instruments)
	if err := c.write(sub); err != nil {
		conn.Close()
		return fmt.Errorf("send subscribe: %w", err)
	}

	for i := 0; i < maxAckMessages; i++ {
		raw, err := c.readRaw()
		if err != nil {
			conn.Close()
			return fmt.Errorf("read subscribe ack: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Destination == destQuote {
			if t, ok, err := DecodeQuote(raw); err == nil && ok {
				c.pending = append(c.pending, t)
			}
			continue
		}
		if env.Destination != destSubscribe {
			continue
		}
		c.Logger.Debug("Received subscription response from broker: %s", string(raw))
		if !strings.EqualFold(env.Status, "OK") {
			conn.Close()
			return fmt.Errorf("%w: subscribe status %q: %s", api.ErrUnauthorized, env.Status, string(env.Payload))
		}
		c.Logger.Info("Subscribed to market data: %s", strings.Join(instruments, ", "))
		return nil
	}
	conn.Close()
	return errors.New("no subscribe ack received")
}

func (c *Client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("stream not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.Config.HTTPTimeout()))
	return c.conn.WriteJSON(v)
}

func (c *Client) readRaw() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.Config.ReceiveTimeout()))
	_, raw, err := c.conn.ReadMessage()
	return raw, err
}

// Ping sends the application-level keep-alive.
func (c *Client) Ping() error {
	return c.write(envelope{
		Destination:   destPing,
		CorrelationID: uuid.NewString(),
		CST:           c.session.CST,
		SecurityToken: c.session.SecurityToken,
	})
}

// ReadTick blocks until the next message. ok is false for messages that
// carry no quote. A decode failure is returned wrapped in ErrDataFormat and
// leaves the connection usable.
func (c *Client) ReadTick() (models.Tick, bool, error) {
	if len(c.pending) > 0 {
		t := c.pending[0]
		c.pending = c.pending[1:]
		return t, true, nil
	}
	if c.conn == nil {
		return models.Tick{}, false, errors.New("stream not connected")
	}
	raw, err := c.readRaw()
	if err != nil {
		return models.Tick{}, false, err
	}
	return DecodeQuote(raw)
}

// Close closes the connection. Safe to call from another goroutine to
// unblock ReadTick.
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// DecodeQuote turns a raw stream message into a tick. Messages for other
// destinations return ok=false and no error.
func DecodeQuote(raw []byte) (models.Tick, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Tick{}, false, fmt.Errorf("%w: %v", ErrDataFormat, err)
	}
	if env.Destination != destQuote {
		return models.Tick{}, false, nil
	}
	var p quotePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return models.Tick{}, false, fmt.Errorf("%w: %v", ErrDataFormat, err)
	}
	bid, err := number(p.Bid)
	if err != nil {
		return models.Tick{}, false, fmt.Errorf("%w: bid: %v", ErrDataFormat, err)
	}
	ask, err := number(p.Ofr)
	if err != nil {
		return models.Tick{}, false, fmt.Errorf("%w: ofr: %v", ErrDataFormat, err)
	}
	ts, err := number(p.Timestamp)
	if err != nil {
		return models.Tick{}, false, fmt.Errorf("%w: timestamp: %v", ErrDataFormat, err)
	}
	t := models.Tick{
		Instrument: strings.ToUpper(strings.TrimSpace(p.Epic)),
		Timestamp:  int64(ts),
		Bid:        bid,
		Ask:        ask,
	}
	if err := t.Validate(); err != nil {
		return models.Tick{}, false, fmt.Errorf("%w: %v", ErrDataFormat, err)
	}
	return t, true, nil
}

// number accepts a JSON number or a numeric string.
func number(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errors.New("missing")
	}
	s = strings.Trim(s, `"`)
	return strconv.ParseFloat(s, 64)
}
