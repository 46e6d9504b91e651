package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// PaperBroker implements Gateway for paper trading simulation. Market data
// comes from a real source; orders and balances are simulated.
type PaperBroker struct {
	// Real source for market data
	data MarketData

	symbol     string
	baseAsset  string
	quoteAsset string

	// Simulated state
	free   map[string]decimal.Decimal
	orders map[string]*paperOrder

	// Order tracking
	orderCounter int64

	// Last seen top of book
	quote models.Quote

	now func() time.Time
	mu  sync.Mutex
}

type paperOrder struct {
	ack    models.OrderAck
	locked decimal.Decimal
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	Data         MarketData
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	InitialQuote float64
	InitialBase  float64
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	initialQuote := cfg.InitialQuote
	if initialQuote == 0 {
		initialQuote = 10000
	}

	return &PaperBroker{
		data:       cfg.Data,
		symbol:     cfg.Symbol,
		baseAsset:  cfg.BaseAsset,
		quoteAsset: cfg.QuoteAsset,
		free: map[string]decimal.Decimal{
			cfg.QuoteAsset: decimal.NewFromFloat(initialQuote),
			cfg.BaseAsset:  decimal.NewFromFloat(cfg.InitialBase),
		},
		orders: make(map[string]*paperOrder),
		now:    time.Now,
	}
}

// GetCandles fetches candles from the data source.
func (p *PaperBroker) GetCandles(ctx context.Context, symbol, interval string, count int) (models.Series, error) {
	if p.data == nil {
		return nil, fmt.Errorf("no data source configured")
	}
	return p.data.GetCandles(ctx, symbol, interval, count)
}

// GetTradingRules fetches trading rules from the data source.
func (p *PaperBroker) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	if p.data == nil {
		return models.TradingRules{}, fmt.Errorf("no data source configured")
	}
	return p.data.GetTradingRules(ctx, symbol)
}

// GetBestBidAsk fetches the live quote and matches resting orders against it.
func (p *PaperBroker) GetBestBidAsk(ctx context.Context, symbol string) (models.Quote, error) {
	if p.data == nil {
		return models.Quote{}, fmt.Errorf("no data source configured")
	}
	q, err := p.data.GetBestBidAsk(ctx, symbol)
	if err != nil {
		return q, err
	}
	p.UpdateQuote(q)
	return q, nil
}

// UpdateQuote records a top of book and fills any resting maker order the
// price has traded through.
func (p *PaperBroker) UpdateQuote(q models.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q.Symbol != p.symbol {
		return
	}
	p.quote = q
	p.matchResting()
}

// GetFreeBalances returns simulated free balances.
func (p *PaperBroker) GetFreeBalances(ctx context.Context) (models.Balances, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(models.Balances, len(p.free))
	for asset, amt := range p.free {
		out[asset] = amt.InexactFloat64()
	}
	return out, nil
}

// PlaceLimitMaker simulates a post-only order. Orders that would match
// immediately are rejected like the venue does.
func (p *PaperBroker) PlaceLimitMaker(ctx context.Context, symbol string, side models.Side, price, qty float64, clientID string) (*models.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOrder(symbol, clientID, qty); err != nil {
		return nil, err
	}
	if price <= 0 {
		return nil, &APIError{Status: 400, Code: -1013, Message: "invalid price"}
	}

	// Check the order rests
	if p.quote.Ask > 0 && side == models.SideBuy && price >= p.quote.Ask {
		return nil, &APIError{Status: 400, Code: -2010, Message: "Order would immediately match and take."}
	}
	if p.quote.Bid > 0 && side == models.SideSell && price <= p.quote.Bid {
		return nil, &APIError{Status: 400, Code: -2010, Message: "Order would immediately match and take."}
	}

	dQty := decimal.NewFromFloat(qty)
	dPrice := decimal.NewFromFloat(price)
	asset, amount := p.baseAsset, dQty
	if side == models.SideBuy {
		asset, amount = p.quoteAsset, dQty.Mul(dPrice)
	}
	if p.free[asset].LessThan(amount) {
		return nil, insufficientBalance(asset, amount, p.free[asset])
	}
	p.free[asset] = p.free[asset].Sub(amount)

	p.orderCounter++
	o := &paperOrder{
		ack: models.OrderAck{
			OrderID:       strconv.FormatInt(p.orderCounter, 10),
			ClientOrderID: clientID,
			Symbol:        symbol,
			Side:          side,
			Type:          models.OrderTypeLimitMaker,
			Status:        StatusNew,
			Price:         price,
			Quantity:      qty,
			Timestamp:     p.now(),
		},
		locked: amount,
	}
	p.orders[clientID] = o

	ack := o.ack
	return &ack, nil
}

// CancelOrder simulates order cancellation. Orders that already filled or
// were never placed yield ErrOrderNotFound.
func (p *PaperBroker) CancelOrder(ctx context.Context, symbol, clientID string) (*models.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[clientID]
	if !ok || o.ack.Status != StatusNew || o.ack.Symbol != symbol {
		return nil, errors.Wrapf(errors.ErrOrderNotFound, "%s %s", symbol, clientID)
	}

	asset := p.baseAsset
	if o.ack.Side == models.SideBuy {
		asset = p.quoteAsset
	}
	p.free[asset] = p.free[asset].Add(o.locked)
	o.locked = decimal.Zero
	o.ack.Status = StatusCanceled
	o.ack.Timestamp = p.now()

	ack := o.ack
	return &ack, nil
}

// PlaceMarketOrder fills immediately at the opposite side of the last quote.
func (p *PaperBroker) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderAck, error) {
	p.mu.Lock()
	if p.quote.Bid <= 0 && p.data != nil {
		// No quote seen yet
		p.mu.Unlock()
		if _, err := p.GetBestBidAsk(ctx, symbol); err != nil {
			return nil, err
		}
		p.mu.Lock()
	}
	defer p.mu.Unlock()

	if err := p.checkOrder(symbol, clientID, qty); err != nil {
		return nil, err
	}

	price := p.quote.Bid
	if side == models.SideBuy {
		price = p.quote.Ask
	}
	if price <= 0 {
		return nil, &APIError{Status: 400, Code: -1013, Message: "no market price"}
	}

	dQty := decimal.NewFromFloat(qty)
	notional := dQty.Mul(decimal.NewFromFloat(price))
	if side == models.SideBuy {
		if p.free[p.quoteAsset].LessThan(notional) {
			return nil, insufficientBalance(p.quoteAsset, notional, p.free[p.quoteAsset])
		}
		p.free[p.quoteAsset] = p.free[p.quoteAsset].Sub(notional)
		p.free[p.baseAsset] = p.free[p.baseAsset].Add(dQty)
	} else {
		if p.free[p.baseAsset].LessThan(dQty) {
			return nil, insufficientBalance(p.baseAsset, dQty, p.free[p.baseAsset])
		}
		p.free[p.baseAsset] = p.free[p.baseAsset].Sub(dQty)
		p.free[p.quoteAsset] = p.free[p.quoteAsset].Add(notional)
	}

	p.orderCounter++
	o := &paperOrder{ack: models.OrderAck{
		OrderID:       strconv.FormatInt(p.orderCounter, 10),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Type:          models.OrderTypeMarket,
		Status:        StatusFilled,
		Price:         price,
		Quantity:      qty,
		FilledQty:     qty,
		Timestamp:     p.now(),
	}}
	p.orders[clientID] = o

	ack := o.ack
	return &ack, nil
}

// Orders returns every simulated order, oldest first.
func (p *PaperBroker) Orders() []models.OrderAck {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.OrderAck, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o.ack)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].OrderID, 10, 64)
		b, _ := strconv.ParseInt(out[j].OrderID, 10, 64)
		return a < b
	})
	return out
}

// Reset resets the paper broker to initial state.
func (p *PaperBroker) Reset(initialQuote, initialBase float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = map[string]decimal.Decimal{
		p.quoteAsset: decimal.NewFromFloat(initialQuote),
		p.baseAsset:  decimal.NewFromFloat(initialBase),
	}
	p.orders = make(map[string]*paperOrder)
	p.orderCounter = 0
	p.quote = models.Quote{}
}

// IsPaperTrading returns true to indicate this is a paper broker.
func (p *PaperBroker) IsPaperTrading() bool {
	return true
}

func (p *PaperBroker) checkOrder(symbol, clientID string, qty float64) error {
	if symbol != p.symbol {
		return errors.Wrapf(errors.ErrSymbolNotFound, "paper broker trades %s, got %s", p.symbol, symbol)
	}
	if qty <= 0 {
		return &APIError{Status: 400, Code: -1013, Message: "invalid quantity"}
	}
	if _, dup := p.orders[clientID]; dup {
		return &APIError{Status: 400, Code: -2010, Message: "Duplicate order sent."}
	}
	return nil
}

// matchResting fills makers the quote has traded through. Caller holds mu.
func (p *PaperBroker) matchResting() {
	for _, o := range p.orders {
		if o.ack.Status != StatusNew {
			continue
		}
		qty := decimal.NewFromFloat(o.ack.Quantity)
		switch o.ack.Side {
		case models.SideBuy:
			if p.quote.Ask <= 0 || p.quote.Ask > o.ack.Price {
				continue
			}
			p.free[p.baseAsset] = p.free[p.baseAsset].Add(qty)
		case models.SideSell:
			if p.quote.Bid <= 0 || p.quote.Bid < o.ack.Price {
				continue
			}
			p.free[p.quoteAsset] = p.free[p.quoteAsset].Add(qty.Mul(decimal.NewFromFloat(o.ack.Price)))
		}
		o.locked = decimal.Zero
		o.ack.Status = StatusFilled
		o.ack.FilledQty = o.ack.Quantity
		o.ack.Timestamp = p.now()
	}
}

func insufficientBalance(asset string, need, have decimal.Decimal) error {
	return &APIError{
		Status:  400,
		Code:    -2010,
		Message: fmt.Sprintf("Account has insufficient balance for requested action: %s need %s, have %s", asset, need.String(), have.String()),
	}
}

// Ensure PaperBroker implements Gateway interface
var _ Gateway = (*PaperBroker)(nil)
