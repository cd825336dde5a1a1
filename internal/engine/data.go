package engine

import (
	"context"

	"github.com/skalibog/dipscalp/internal/exchange"
	"github.com/skalibog/dipscalp/pkg/models"
)

// marketData загружает данные пары по требованию и запоминает результат,
// чтобы каждый запрос к бирже выполнялся не более одного раза за цикл
type marketData struct {
	ctx      context.Context
	client   exchange.Exchange
	symbol   string
	interval string
	limit    int
	depth    int

	ticker     *models.Ticker
	tickerErr  error
	tickerDone bool

	book     *models.OrderBook
	bookErr  error
	bookDone bool

	candles     []*models.Candle
	candlesErr  error
	candlesDone bool
}

func (e *Engine) newMarketData(ctx context.Context, symbol string) *marketData {
	return &marketData{
		ctx:      ctx,
		client:   e.client,
		symbol:   symbol,
		interval: e.cfg.Trading.Interval,
		limit:    e.cfg.Trading.CandleLimit,
		depth:    e.cfg.Trading.OrderBookDepth,
	}
}

func (m *marketData) Ticker() (*models.Ticker, error) {
	if !m.tickerDone {
		m.ticker, m.tickerErr = m.client.Ticker(m.ctx, m.symbol)
		m.tickerDone = true
	}
	return m.ticker, m.tickerErr
}

func (m *marketData) OrderBook() (*models.OrderBook, error) {
	if !m.bookDone {
		m.book, m.bookErr = m.client.OrderBook(m.ctx, m.symbol, m.depth)
		m.bookDone = true
	}
	return m.book, m.bookErr
}

func (m *marketData) Candles() ([]*models.Candle, error) {
	if !m.candlesDone {
		m.candles, m.candlesErr = m.client.Klines(m.ctx, m.symbol, m.interval, m.limit)
		m.candlesDone = true
	}
	return m.candles, m.candlesErr
}

// price последняя цена или 0, если тикер недоступен
func (m *marketData) price() float64 {
	ticker, err := m.Ticker()
	if err != nil || ticker == nil {
		return 0
	}
	return ticker.Last
}
