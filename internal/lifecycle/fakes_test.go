package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
)

type call struct {
	Op       string
	Side     models.Side
	Price    float64
	Qty      float64
	ClientID string
}

type fakeExec struct {
	mu        sync.Mutex
	calls     []call
	placeErr  error
	cancelErr error
	marketErr error
	balances  models.Balances
	balErr    error
	fillPrice float64
}

func (f *fakeExec) PlaceLimitMaker(_ context.Context, symbol string, side models.Side, price, qty float64, clientID string) (*models.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "place", Side: side, Price: price, Qty: qty, ClientID: clientID})
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &models.OrderAck{ClientOrderID: clientID, Symbol: symbol, Side: side, Type: models.OrderTypeLimitMaker, Status: "NEW", Price: price, Quantity: qty}, nil
}

func (f *fakeExec) CancelOrder(_ context.Context, symbol, clientID string) (*models.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "cancel", ClientID: clientID})
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &models.OrderAck{ClientOrderID: clientID, Symbol: symbol, Status: "CANCELED"}, nil
}

func (f *fakeExec) PlaceMarketOrder(_ context.Context, symbol string, side models.Side, qty float64, clientID string) (*models.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "market", Side: side, Qty: qty, ClientID: clientID})
	if f.marketErr != nil {
		return nil, f.marketErr
	}
	return &models.OrderAck{ClientOrderID: clientID, Symbol: symbol, Side: side, Type: models.OrderTypeMarket, Status: "FILLED", Price: f.fillPrice, Quantity: qty, FilledQty: qty}, nil
}

func (f *fakeExec) GetFreeBalances(_ context.Context) (models.Balances, error) {
	if f.balErr != nil {
		return nil, f.balErr
	}
	return f.balances, nil
}

func (f *fakeExec) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *fakeExec) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type memStore struct {
	data    map[string][]byte
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) LoadState(_ context.Context, key string) ([]byte, error) {
	d, ok := s.data[key]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	return d, nil
}

func (s *memStore) SaveState(_ context.Context, key string, data []byte) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.data[key] = append([]byte(nil), data...)
	return nil
}

type memLedger struct {
	rows      []models.LedgerEntry
	appendErr error
}

func (l *memLedger) AppendLedger(_ context.Context, e models.LedgerEntry) error {
	if l.appendErr != nil {
		return l.appendErr
	}
	l.rows = append(l.rows, e)
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type seqIDs struct {
	n int
}

func (g *seqIDs) NewID(side string) string {
	g.n++
	return fmt.Sprintf("T-%s-%06d", side, g.n)
}
