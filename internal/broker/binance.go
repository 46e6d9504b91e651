package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spot-trader/internal/errors"
	"spot-trader/internal/logging"
	"spot-trader/internal/models"
	"spot-trader/internal/risk"
	"spot-trader/internal/security"
)

const (
	// DefaultBaseURL is the spot testnet.
	DefaultBaseURL = "https://testnet.binance.vision"

	defaultRecvWindow = 5000

	// codeUnknownOrder is returned when cancelling an order that is no
	// longer resting (filled, expired or never accepted).
	codeUnknownOrder = -2011
)

// BinanceConfig holds configuration for the Binance spot client.
type BinanceConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	RecvWindow int
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// Limiter paces outgoing requests. Nil uses DefaultRequestRate.
	Limiter *RateLimiter
}

// BinanceBroker implements Gateway against the Binance spot REST API.
type BinanceBroker struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	quants map[string]*risk.Quantizer
}

// APIError is an error payload returned by the exchange.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance http %d code %d: %s", e.Status, e.Code, e.Message)
}

// NewBinanceBroker creates a new Binance spot client.
func NewBinanceBroker(cfg BinanceConfig) *BinanceBroker {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = defaultRecvWindow
	}
	client := cfg.HTTPClient
	if client == nil {
		// Per-call deadlines come from the caller's context.
		client = &http.Client{}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRequestRate, DefaultRequestBurst)
	}
	return &BinanceBroker{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    baseURL,
		recvWindow: recv,
		httpClient: client,
		limiter:    limiter,
		logger:     cfg.Logger,
		now:        time.Now,
		quants:     make(map[string]*risk.Quantizer),
	}
}

// GetCandles returns the closes of the last count klines, oldest first.
func (b *BinanceBroker) GetCandles(ctx context.Context, symbol, interval string, count int) (models.Series, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(count))

	body, err := b.do(ctx, http.MethodGet, "/api/v3/klines", params, false)
	if err != nil {
		return nil, errors.NewDataError("klines", symbol, "fetch failed", err)
	}

	var klines [][]json.RawMessage
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, errors.NewDataError("klines", symbol, "decode failed", err)
	}

	closes := make(models.Series, 0, len(klines))
	for i, k := range klines {
		if len(k) < 5 {
			return nil, errors.NewDataError("klines", symbol, fmt.Sprintf("kline %d has %d fields", i, len(k)), errors.ErrInvalidInput)
		}
		var s string
		if err := json.Unmarshal(k[4], &s); err != nil {
			return nil, errors.NewDataError("klines", symbol, "close is not a string", err)
		}
		c, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.NewDataError("klines", symbol, "parse close", err)
		}
		closes = append(closes, c)
	}
	return closes, nil
}

// GetBestBidAsk returns the top of book.
func (b *BinanceBroker) GetBestBidAsk(ctx context.Context, symbol string) (models.Quote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := b.do(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", params, false)
	if err != nil {
		return models.Quote{}, errors.NewDataError("book_ticker", symbol, "fetch failed", err)
	}

	var resp struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Quote{}, errors.NewDataError("book_ticker", symbol, "decode failed", err)
	}
	bid, err := strconv.ParseFloat(resp.BidPrice, 64)
	if err != nil {
		return models.Quote{}, errors.NewDataError("book_ticker", symbol, "parse bid", err)
	}
	ask, err := strconv.ParseFloat(resp.AskPrice, 64)
	if err != nil {
		return models.Quote{}, errors.NewDataError("book_ticker", symbol, "parse ask", err)
	}
	return models.Quote{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: b.now()}, nil
}

// GetFreeBalances returns the free balance of every asset on the account.
func (b *BinanceBroker) GetFreeBalances(ctx context.Context) (models.Balances, error) {
	body, err := b.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, errors.NewDataError("account", "", "fetch failed", err)
	}

	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.NewDataError("account", "", "decode failed", err)
	}

	out := make(models.Balances, len(resp.Balances))
	for _, bal := range resp.Balances {
		free, err := strconv.ParseFloat(bal.Free, 64)
		if err != nil {
			return nil, errors.NewDataError("account", bal.Asset, "parse free balance", err)
		}
		out[bal.Asset] = free
	}
	return out, nil
}

// GetTradingRules reads LOT_SIZE, PRICE_FILTER and NOTIONAL (or the legacy
// MIN_NOTIONAL) from exchangeInfo. The rules are cached for order formatting.
func (b *BinanceBroker) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := b.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return models.TradingRules{}, errors.NewDataError("exchange_info", symbol, "fetch failed", err)
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.TradingRules{}, errors.NewDataError("exchange_info", symbol, "decode failed", err)
	}
	if len(resp.Symbols) == 0 {
		return models.TradingRules{}, errors.NewDataError("exchange_info", symbol, "no symbol info", errors.ErrSymbolNotFound)
	}

	rules := models.TradingRules{Symbol: symbol}
	for _, f := range resp.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			rules.QuantityStep, _ = strconv.ParseFloat(f.StepSize, 64)
		case "PRICE_FILTER":
			rules.PriceTick, _ = strconv.ParseFloat(f.TickSize, 64)
		case "NOTIONAL", "MIN_NOTIONAL":
			rules.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}

	quant, err := risk.NewQuantizer(rules)
	if err != nil {
		return models.TradingRules{}, errors.NewDataError("exchange_info", symbol, "incomplete filters", err)
	}
	b.mu.Lock()
	b.quants[symbol] = quant
	b.mu.Unlock()

	return rules, nil
}

// PlaceLimitMaker places a post-only limit order. The venue rejects it
// instead of matching if it would cross the book.
func (b *BinanceBroker) PlaceLimitMaker(ctx context.Context, symbol string, side models.Side, price, qty float64, clientID string) (*models.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(models.OrderTypeLimitMaker))
	params.Set("price", b.formatPrice(symbol, price))
	params.Set("quantity", b.formatQuantity(symbol, qty))
	params.Set("newClientOrderId", clientID)

	return b.order(ctx, http.MethodPost, symbol, clientID, params)
}

// CancelOrder cancels a resting order by client order id. An order that is
// no longer on the book yields ErrOrderNotFound.
func (b *BinanceBroker) CancelOrder(ctx context.Context, symbol, clientID string) (*models.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)

	return b.order(ctx, http.MethodDelete, symbol, clientID, params)
}

// PlaceMarketOrder places a market order for qty base units.
func (b *BinanceBroker) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(models.OrderTypeMarket))
	params.Set("quantity", b.formatQuantity(symbol, qty))
	params.Set("newClientOrderId", clientID)

	return b.order(ctx, http.MethodPost, symbol, clientID, params)
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	OrigClientOrderID   string `json:"origClientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
}

func (b *BinanceBroker) order(ctx context.Context, method, symbol, clientID string, params url.Values) (*models.OrderAck, error) {
	body, err := b.do(ctx, method, "/api/v3/order", params, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			return nil, errors.Wrapf(errors.ErrOrderNotFound, "%s %s", symbol, clientID)
		}
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode order response")
	}
	return resp.ack(b.now()), nil
}

func (r orderResponse) ack(fallback time.Time) *models.OrderAck {
	cid := r.ClientOrderID
	if r.OrigClientOrderID != "" {
		cid = r.OrigClientOrderID
	}
	ack := &models.OrderAck{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: cid,
		Symbol:        r.Symbol,
		Side:          models.Side(r.Side),
		Type:          models.OrderType(r.Type),
		Status:        r.Status,
		Timestamp:     fallback,
	}
	if r.TransactTime > 0 {
		ack.Timestamp = time.UnixMilli(r.TransactTime).UTC()
	}
	ack.Price, _ = strconv.ParseFloat(r.Price, 64)
	ack.Quantity, _ = strconv.ParseFloat(r.OrigQty, 64)
	ack.FilledQty, _ = strconv.ParseFloat(r.ExecutedQty, 64)

	// Market orders report price 0; derive the average from the quote spent.
	if ack.Price == 0 && ack.FilledQty > 0 {
		quote, err := decimal.NewFromString(r.CummulativeQuoteQty)
		if err == nil {
			ack.Price = quote.Div(decimal.NewFromFloat(ack.FilledQty)).InexactFloat64()
		}
	}
	return ack
}

// do sends a request. Signed requests carry timestamp, recvWindow and an
// HMAC-SHA256 signature over the encoded query.
func (b *BinanceBroker) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	query := params.Encode()
	if signed {
		if b.apiKey == "" || b.apiSecret == "" {
			return nil, errors.NewValidationError("credentials", "", "api key and secret are required for signed endpoints")
		}
		params.Set("recvWindow", strconv.Itoa(b.recvWindow))
		params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
		query = params.Encode()
		query += "&signature=" + sign(query, b.apiSecret)
	}

	target := b.baseURL + path
	if query != "" {
		target += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	logging.LogAPICall(b.logger, method, path, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", errors.ErrConnectionFailed, method, path, security.RedactError(err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(payload, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return nil, apiErr
	}
	return payload, nil
}

func sign(payload, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BinanceBroker) quantizer(symbol string) *risk.Quantizer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.quants[symbol]
}

func (b *BinanceBroker) formatPrice(symbol string, p float64) string {
	if q := b.quantizer(symbol); q != nil {
		return q.FormatPrice(p)
	}
	return decimal.NewFromFloat(p).String()
}

func (b *BinanceBroker) formatQuantity(symbol string, x float64) string {
	if q := b.quantizer(symbol); q != nil {
		return q.FormatQuantity(x)
	}
	return decimal.NewFromFloat(x).String()
}

var _ Gateway = (*BinanceBroker)(nil)
