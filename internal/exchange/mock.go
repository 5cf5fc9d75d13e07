package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psryland/coinflip-core/internal/balance"
	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/order"
)

// SimExchange is a deterministic in-memory exchange for simulation and tests.
// All data is seeded by the caller; orders fill immediately at their requested
// price.
type SimExchange struct {
	mu       sync.Mutex
	name     string
	candles  map[string][]candle.Candle // symbol|timeframe
	books    map[string]bookSnapshot    // normalized symbol
	pairs    []*market.TradePair
	coins    []market.Coin
	balances []*balance.Balance
	orders   map[string]order.Response
	orderSeq int
}

type bookSnapshot struct {
	bids []market.Offer
	asks []market.Offer
}

func NewSimExchange() *SimExchange {
	return &SimExchange{
		name:    "sim",
		candles: make(map[string][]candle.Candle),
		books:   make(map[string]bookSnapshot),
		orders:  make(map[string]order.Response),
	}
}

func (s *SimExchange) Name() string { return s.name }

func (s *SimExchange) candleKey(symbol, timeframe string) string {
	return NormalizeSymbol(symbol) + "|" + timeframe
}

// SetCandles seeds the chart data for (symbol, timeframe). Candles must be
// sorted oldest first.
func (s *SimExchange) SetCandles(symbol, timeframe string, candles []candle.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[s.candleKey(symbol, timeframe)] = append([]candle.Candle(nil), candles...)
}

// SetOrderBook seeds the depth snapshot for a pair. Bids descending, asks
// ascending.
func (s *SimExchange) SetOrderBook(symbol string, bids, asks []market.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[NormalizeSymbol(symbol)] = bookSnapshot{
		bids: append([]market.Offer(nil), bids...),
		asks: append([]market.Offer(nil), asks...),
	}
}

// SetPairs seeds the instrument universe returned by FetchPairs.
func (s *SimExchange) SetPairs(coins []market.Coin, pairs []*market.TradePair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coins = append([]market.Coin(nil), coins...)
	s.pairs = append([]*market.TradePair(nil), pairs...)
}

// SetBalances seeds the account balances returned by FetchBalances.
func (s *SimExchange) SetBalances(balances []*balance.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = append([]*balance.Balance(nil), balances...)
}

func (s *SimExchange) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []candle.Candle
	for _, c := range s.candles[s.candleKey(symbol, timeframe)] {
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SimExchange) FetchPairs(ctx context.Context, coinsOfInterest []string) ([]market.Coin, []*market.TradePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.Coin(nil), s.coins...), append([]*market.TradePair(nil), s.pairs...), nil
}

func (s *SimExchange) FetchOrderBook(ctx context.Context, pair string) ([]market.Offer, []market.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.books[NormalizeSymbol(pair)]
	if !ok {
		return nil, nil, fmt.Errorf("no order book seeded for %s", pair)
	}
	return append([]market.Offer(nil), snap.bids...), append([]market.Offer(nil), snap.asks...), nil
}

func (s *SimExchange) FetchBalances(ctx context.Context) ([]*balance.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*balance.Balance(nil), s.balances...), nil
}

// SubmitOrder fills immediately at the requested price.
func (s *SimExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orderSeq++
	now := time.Now().UTC()
	resp := order.Response{
		OrderID:   fmt.Sprintf("sim_%d_%d", now.UnixNano(), s.orderSeq),
		Status:    "FILLED",
		FilledQty: req.Quantity,
		AvgPrice:  req.Price,
		Timestamp: now,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		UpdatedAt: now,
	}
	s.orders[resp.OrderID] = resp
	return resp, nil
}

func (s *SimExchange) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if resp.IsOpen() {
		resp.Status = "CANCELED"
		resp.UpdatedAt = time.Now().UTC()
		s.orders[orderID] = resp
	}
	return nil
}

func (s *SimExchange) GetOrderStatus(ctx context.Context, orderID string) (order.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.orders[orderID]
	if !ok {
		return order.Response{}, fmt.Errorf("unknown order %s", orderID)
	}
	return resp, nil
}
