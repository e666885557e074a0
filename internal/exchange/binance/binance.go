// Package binance provides Binance USDT-margined futures connectivity
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/exchange/base"
	apperrors "autotrader/pkg/errors"
)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	testnetFuturesURL = "https://testnet.binancefuture.com"
)

// Exchange implements core.IExchange for Binance futures
type Exchange struct {
	*base.Adapter
}

// New creates a new Binance futures exchange instance
func New(cfg *config.ExchangeConfig, logger core.ILogger) *Exchange {
	b := base.NewAdapter("binance", cfg, logger)
	e := &Exchange{Adapter: b}

	b.SetSignRequest(e.SignRequest)
	b.SetParseError(e.parseError)

	return e
}

// toSymbol converts a "BTC/USDT" style pair to the exchange symbol form.
func toSymbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

func (e *Exchange) baseURL() string {
	if e.Config.BaseURL != "" {
		return e.Config.BaseURL
	}
	if e.Config.Testnet {
		return testnetFuturesURL
	}
	return defaultFuturesURL
}

// SignRequest adds the API key header and an HMAC-SHA256 signature over the
// query string, as required by signed futures endpoints.
func (e *Exchange) SignRequest(req *http.Request, _ []byte) error {
	req.Header.Set("X-MBX-APIKEY", e.Config.APIKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(e.Config.SecretKey))
	mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	q.Set("signature", signature)
	req.URL.RawQuery = q.Encode()

	return nil
}

// parseError maps Binance error responses onto the shared error taxonomy.
// The original message is preserved in the wrap so callers can still match
// on rejection reasons the exchange only reports as text.
func (e *Exchange) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		if statusCode == http.StatusTooManyRequests || statusCode == 418 {
			return fmt.Errorf("%w: HTTP %d", apperrors.ErrRateLimitExceeded, statusCode)
		}
		return fmt.Errorf("binance error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, errResp.Msg)
	case -2015, -2014:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, errResp.Msg)
	case -2019:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, errResp.Msg)
	case -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, errResp.Msg)
	case -2012:
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, errResp.Msg)
	case -1111:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidPrecision, errResp.Msg)
	case -4164:
		return fmt.Errorf("%w: %s", apperrors.ErrMinNotional, errResp.Msg)
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, errResp.Msg)
	}

	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

// GetBalance returns the available USDT balance of the futures wallet.
func (e *Exchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/fapi/v2/balance", e.baseURL())
	body, err := e.ExecuteRequest(ctx, "GET", u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance response: %w", err)
	}

	for _, b := range balances {
		if b.Asset == "USDT" {
			return decimal.NewFromString(b.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

// GetPrice returns the last traded price of pair.
func (e *Exchange) GetPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/fapi/v1/ticker/price?symbol=%s", e.baseURL(), url.QueryEscape(toSymbol(pair)))
	body, err := e.ExecuteRequest(ctx, "GET", u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var data struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ticker response: %w", err)
	}
	return decimal.NewFromString(data.Price)
}

// GetKlines returns recent candlesticks for pair, oldest first.
func (e *Exchange) GetKlines(ctx context.Context, pair, interval string, limit int) ([]core.Kline, error) {
	u := fmt.Sprintf("%s/fapi/v1/klines?symbol=%s&interval=%s&limit=%d",
		e.baseURL(), url.QueryEscape(toSymbol(pair)), url.QueryEscape(interval), limit)
	body, err := e.ExecuteRequest(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines response: %w", err)
	}

	klines := make([]core.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openTime, _ := row[0].(float64)
		k := core.Kline{
			OpenTime: int64(openTime),
			Open:     e.parseField(row[1]),
			High:     e.parseField(row[2]),
			Low:      e.parseField(row[3]),
			Close:    e.parseField(row[4]),
			Volume:   e.parseField(row[5]),
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func (e *Exchange) parseField(v interface{}) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	return e.ParseDecimal(s)
}

// GetExchangeInfo returns trading rules for the given pairs, keyed by the
// caller's pair names.
func (e *Exchange) GetExchangeInfo(ctx context.Context, pairs []string) (map[string]core.SymbolInfo, error) {
	u := fmt.Sprintf("%s/fapi/v1/exchangeInfo", e.baseURL())
	body, err := e.ExecuteRequest(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}

	var data struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse exchangeInfo response: %w", err)
	}

	// Map exchange symbols back to the caller's pair names
	wanted := make(map[string]string, len(pairs))
	for _, p := range pairs {
		wanted[toSymbol(p)] = p
	}

	info := make(map[string]core.SymbolInfo)
	for _, s := range data.Symbols {
		pair, ok := wanted[s.Symbol]
		if len(wanted) > 0 && !ok {
			continue
		}
		si := core.SymbolInfo{
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				si.StepSize = e.ParseDecimal(f.StepSize)
			case "MIN_NOTIONAL":
				si.MinNotional = e.ParseDecimal(f.Notional)
			}
		}
		if pair == "" {
			pair = s.Symbol
		}
		info[pair] = si
	}
	return info, nil
}

// PlaceMarketOrder submits a market order and returns the raw order response.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, pair string, side core.OrderSide, quantity decimal.Decimal) (*core.OrderResponse, error) {
	q := url.Values{}
	q.Set("symbol", toSymbol(pair))
	q.Set("side", string(side))
	q.Set("type", "MARKET")
	q.Set("quantity", quantity.String())
	q.Set("newOrderRespType", "RESULT")

	u := fmt.Sprintf("%s/fapi/v1/order?%s", e.baseURL(), q.Encode())
	body, err := e.ExecuteRequest(ctx, "POST", u, nil)
	if err != nil {
		return nil, err
	}

	return e.parseOrderResponse(body)
}

// GetOrder fetches an order by id.
func (e *Exchange) GetOrder(ctx context.Context, pair string, orderID int64) (*core.OrderResponse, error) {
	q := url.Values{}
	q.Set("symbol", toSymbol(pair))
	q.Set("orderId", fmt.Sprintf("%d", orderID))

	u := fmt.Sprintf("%s/fapi/v1/order?%s", e.baseURL(), q.Encode())
	body, err := e.ExecuteRequest(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}

	return e.parseOrderResponse(body)
}

func (e *Exchange) parseOrderResponse(body []byte) (*core.OrderResponse, error) {
	var data struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
		CumQuote    string `json:"cumQuote"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return &core.OrderResponse{
		OrderID:     data.OrderID,
		Symbol:      data.Symbol,
		Status:      data.Status,
		ExecutedQty: data.ExecutedQty,
		AvgPrice:    data.AvgPrice,
		CumQuote:    data.CumQuote,
	}, nil
}

// CancelAllOrders cancels every open order on pair.
func (e *Exchange) CancelAllOrders(ctx context.Context, pair string) error {
	q := url.Values{}
	q.Set("symbol", toSymbol(pair))

	u := fmt.Sprintf("%s/fapi/v1/allOpenOrders?%s", e.baseURL(), q.Encode())
	_, err := e.ExecuteRequest(ctx, "DELETE", u, nil)
	return err
}

// GetPosition returns the open position on pair, or nil when flat.
func (e *Exchange) GetPosition(ctx context.Context, pair string) (*core.ExchangePosition, error) {
	q := url.Values{}
	q.Set("symbol", toSymbol(pair))

	u := fmt.Sprintf("%s/fapi/v2/positionRisk?%s", e.baseURL(), q.Encode())
	body, err := e.ExecuteRequest(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}

	var positions []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("failed to parse positionRisk response: %w", err)
	}

	for _, p := range positions {
		amt := e.ParseDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := core.SideLong
		if amt.IsNegative() {
			side = core.SideShort
		}
		leverage := e.ParseDecimal(p.Leverage)
		return &core.ExchangePosition{
			Pair:          pair,
			Side:          side,
			Quantity:      amt.Abs(),
			EntryPrice:    e.ParseDecimal(p.EntryPrice),
			UnrealizedPnL: e.ParseDecimal(p.UnRealizedProfit),
			Leverage:      int(leverage.IntPart()),
		}, nil
	}
	return nil, nil
}

// SetLeverage pins the leverage used for new orders on pair.
func (e *Exchange) SetLeverage(ctx context.Context, pair string, leverage int) error {
	q := url.Values{}
	q.Set("symbol", toSymbol(pair))
	q.Set("leverage", fmt.Sprintf("%d", leverage))

	u := fmt.Sprintf("%s/fapi/v1/leverage?%s", e.baseURL(), q.Encode())
	_, err := e.ExecuteRequest(ctx, "POST", u, nil)
	return err
}
