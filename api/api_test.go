package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/models"
)

type fakeBroker struct {
	logins   atomic.Int32
	tokenGen atomic.Int32
	mux      *http.ServeMux
}

func newFakeBroker(t *testing.T) (*fakeBroker, *httptest.Server, *RESTClient) {
	t.Helper()
	fb := &fakeBroker{mux: http.NewServeMux()}
	fb.mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerAPIKey) != "key" {
			t.Errorf("login without api key header")
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["identifier"] != "me" || body["encryptedPassword"] != false {
			t.Errorf("unexpected login body: %v", body)
		}
		fb.logins.Add(1)
		gen := fb.tokenGen.Add(1)
		w.Header().Set(headerCST, "cst")
		w.Header().Set(headerSecurity, "sec"+string(rune('0'+gen)))
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(fb.mux)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		APIKey:          "key",
		Identifier:      "me",
		Password:        "pw",
		RESTURL:         srv.URL,
		MaxAuthFailures: 3,
		RESTRatePerSec:  1000,
	}
	return fb, srv, NewRESTClient(cfg, nil)
}

func TestLoginStoresTokens(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	s, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cst", s.CST)
	assert.Equal(t, "sec1", s.SecurityToken)
	assert.Equal(t, s, c.Session())
	assert.EqualValues(t, 1, fb.logins.Load())
}

func TestLoginWithoutTokensIsUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewRESTClient(&config.Config{RESTURL: srv.URL, RESTRatePerSec: 1000}, nil)
	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCallReauthenticatesOnceOn401(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	var calls atomic.Int32
	fb.mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errorCode":"error.invalid.session.token"}`))
			return
		}
		if r.Header.Get(headerSecurity) != "sec2" {
			t.Errorf("retry did not use fresh token: %q", r.Header.Get(headerSecurity))
		}
		_, _ = w.Write([]byte(`{"positions":[{"position":{"dealId":"D1","direction":"BUY","size":1.5,"level":100.25,"createdDateUTC":"2024-05-01T10:00:00.000"},"market":{"epic":"BTCUSD"}}]}`))
	})

	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.PositionRecord{
		Instrument: "BTCUSD",
		DealID:     "D1",
		Direction:  models.Buy,
		Size:       1.5,
		Level:      100.25,
		CreatedAt:  positions[0].CreatedAt,
	}, positions[0])
	assert.False(t, positions[0].CreatedAt.IsZero())
	assert.EqualValues(t, 2, fb.logins.Load(), "initial login plus one re-login")
	assert.EqualValues(t, 2, calls.Load())
}

func TestCallGivesUpAfterSecond401(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualValues(t, 2, fb.logins.Load())
}

func TestRepeatedAuthFailuresResetSession(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c.Config.MaxAuthFailures = 2
	assert.ErrorIs(t, c.Ping(context.Background()), ErrUnauthorized)
	assert.EqualValues(t, 2, fb.logins.Load())
	assert.False(t, c.Session().Valid(), "session must be dropped after repeated auth failures")
}

func TestOpenPositionConfirmsFill(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		assert.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "BTCUSD", body["epic"])
		assert.Equal(t, "SELL", body["direction"])
		assert.Equal(t, 0.5, body["size"])
		_, _ = w.Write([]byte(`{"dealReference":"o_ref"}`))
	})
	fb.mux.HandleFunc("/api/v1/confirms/o_ref", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dealStatus":"ACCEPTED","dealId":"order-id","level":64000.5,"affectedDeals":[{"dealId":"pos-id","status":"OPENED"}]}`))
	})

	res, err := c.OpenPosition(context.Background(), "BTCUSD", models.Sell, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "pos-id", res.DealID)
	assert.Equal(t, 64000.5, res.FillPrice)
}

func TestOpenPositionRejectedConfirmation(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dealReference":"o_bad"}`))
	})
	fb.mux.HandleFunc("/api/v1/confirms/o_bad", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dealStatus":"REJECTED","reason":"INSUFFICIENT_FUNDS"}`))
	})

	_, err := c.OpenPosition(context.Background(), "BTCUSD", models.Buy, 1)
	var rej *RejectError
	require.True(t, errors.As(err, &rej), "got %v", err)
	assert.Equal(t, "INSUFFICIENT_FUNDS", rej.Code)
	assert.NotErrorIs(t, err, ErrUnconfirmed)
}

func TestOpenPositionConfirmFailureIsUnconfirmed(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dealReference":"o_lost"}`))
	})
	fb.mux.HandleFunc("/api/v1/confirms/o_lost", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream`))
	})

	_, err := c.OpenPosition(context.Background(), "BTCUSD", models.Buy, 1)
	require.ErrorIs(t, err, ErrUnconfirmed)
	var u *UnconfirmedError
	require.True(t, errors.As(err, &u))
	assert.Equal(t, "o_lost", u.DealReference)
}

func TestOpenPositionUndecodableConfirmIsUnconfirmed(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dealReference":"o_garbled"}`))
	})
	fb.mux.HandleFunc("/api/v1/confirms/o_garbled", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})

	_, err := c.OpenPosition(context.Background(), "BTCUSD", models.Buy, 1)
	assert.ErrorIs(t, err, ErrUnconfirmed)
}

func TestOpenPositionBrokerError(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorCode":"error.invalid.size.minvalue"}`))
	})
	_, err := c.OpenPosition(context.Background(), "BTCUSD", models.Buy, 0.0001)
	var rej *RejectError
	require.True(t, errors.As(err, &rej), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Equal(t, "error.invalid.size.minvalue", rej.Code)
}

func TestClosePositionNotFound(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/positions/D9", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errorCode":"error.not-found.dealId"}`))
	})
	err := c.ClosePosition(context.Background(), "D9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClosePositionOK(t *testing.T) {
	fb, _, c := newFakeBroker(t)
	fb.mux.HandleFunc("/api/v1/positions/D1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dealReference":"p_close"}`))
	})
	assert.NoError(t, c.ClosePosition(context.Background(), "D1"))
}
