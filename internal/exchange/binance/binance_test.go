package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/logging"
	apperrors "autotrader/pkg/errors"
)

func newTestExchange(baseURL string) *Exchange {
	return New(&config.ExchangeConfig{
		APIKey:    "test-key",
		SecretKey: "test-secret",
		BaseURL:   baseURL,
	}, logging.NewNopLogger())
}

func TestToSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", toSymbol("BTC/USDT"))
	assert.Equal(t, "ETHUSDT", toSymbol("ETH/USDT"))
	assert.Equal(t, "BTCUSDT", toSymbol("BTCUSDT"))
}

func TestParseErrorMapping(t *testing.T) {
	e := newTestExchange("")

	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{"rate limit code", 400, `{"code":-1003,"msg":"Too many requests"}`, apperrors.ErrRateLimitExceeded},
		{"bad api key", 401, `{"code":-2015,"msg":"Invalid API-key"}`, apperrors.ErrAuthenticationFailed},
		{"bad signature", 401, `{"code":-2014,"msg":"API-key format invalid"}`, apperrors.ErrAuthenticationFailed},
		{"margin insufficient", 400, `{"code":-2019,"msg":"Margin is insufficient"}`, apperrors.ErrInsufficientFunds},
		{"unknown symbol", 400, `{"code":-1121,"msg":"Invalid symbol"}`, apperrors.ErrInvalidSymbol},
		{"order missing", 400, `{"code":-2013,"msg":"Order does not exist"}`, apperrors.ErrOrderNotFound},
		{"duplicate", 400, `{"code":-2012,"msg":"Duplicate order sent"}`, apperrors.ErrDuplicateOrder},
		{"precision", 400, `{"code":-1111,"msg":"Precision is over the maximum"}`, apperrors.ErrInvalidPrecision},
		{"min notional", 400, `{"code":-4164,"msg":"Order's notional must be no smaller than 5"}`, apperrors.ErrMinNotional},
		{"rejection", 400, `{"code":-2010,"msg":"Order would immediately trigger"}`, apperrors.ErrOrderRejected},
		{"http 429 without body", 429, `rate limited`, apperrors.ErrRateLimitExceeded},
		{"teapot ban", 418, `banned`, apperrors.ErrRateLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.parseError(tt.status, []byte(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestParseErrorPreservesMessage(t *testing.T) {
	e := newTestExchange("")
	err := e.parseError(400, []byte(`{"code":-2019,"msg":"Margin is insufficient"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Margin is insufficient")
}

func TestParseErrorUnknownCode(t *testing.T) {
	e := newTestExchange("")
	err := e.parseError(400, []byte(`{"code":-9999,"msg":"mystery"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-9999")
}

func TestGetBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/balance", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		w.Write([]byte(`[
			{"asset":"BNB","availableBalance":"0.5"},
			{"asset":"USDT","availableBalance":"1234.56"}
		]`))
	}))
	defer server.Close()

	balance, err := newTestExchange(server.URL).GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromFloat(1234.56)))
}

func TestGetPriceConvertsPair(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"50123.45"}`))
	}))
	defer server.Close()

	price, err := newTestExchange(server.URL).GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(50123.45)))
}

func TestGetExchangeInfoKeyedByPair(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","pricePrecision":2,"quantityPrecision":3,"filters":[
				{"filterType":"LOT_SIZE","stepSize":"0.001"},
				{"filterType":"MIN_NOTIONAL","notional":"100"}
			]},
			{"symbol":"DOGEUSDT","pricePrecision":5,"quantityPrecision":0,"filters":[]}
		]}`))
	}))
	defer server.Close()

	info, err := newTestExchange(server.URL).GetExchangeInfo(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)

	si, ok := info["BTC/USDT"]
	require.True(t, ok, "result keyed by the caller's pair name")
	assert.Equal(t, 3, si.QuantityPrecision)
	assert.True(t, si.StepSize.Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, si.MinNotional.Equal(decimal.NewFromInt(100)))

	_, ok = info["DOGEUSDT"]
	assert.False(t, ok, "unrequested symbols filtered out")
}

func TestPlaceMarketOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.Equal(t, "0.002", q.Get("quantity"))
		w.Write([]byte(`{"orderId":42,"symbol":"BTCUSDT","status":"FILLED",
			"executedQty":"0.002","avgPrice":"50000.0","cumQuote":"100.0"}`))
	}))
	defer server.Close()

	resp, err := newTestExchange(server.URL).PlaceMarketOrder(
		context.Background(), "BTC/USDT", core.OrderSideBuy, decimal.NewFromFloat(0.002))
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.OrderID)
	assert.Equal(t, "FILLED", resp.Status)
	assert.Equal(t, "0.002", resp.ExecutedQty)
}

func TestPlaceMarketOrderErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient"}`))
	}))
	defer server.Close()

	_, err := newTestExchange(server.URL).PlaceMarketOrder(
		context.Background(), "BTC/USDT", core.OrderSideBuy, decimal.NewFromFloat(0.002))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestGetPosition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"ETHUSDT","positionAmt":"-0.5",
			"entryPrice":"3000.0","unRealizedProfit":"12.3","leverage":"5"}]`))
	}))
	defer server.Close()

	pos, err := newTestExchange(server.URL).GetPosition(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "ETH/USDT", pos.Pair, "reported under the caller's pair name")
	assert.Equal(t, core.SideShort, pos.Side)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.5)))
	assert.Equal(t, 5, pos.Leverage)
}

func TestGetPositionFlat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","unRealizedProfit":"0","leverage":"5"}]`))
	}))
	defer server.Close()

	pos, err := newTestExchange(server.URL).GetPosition(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, pos)
}
