package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/dipscalp/pkg/logger"
	"github.com/skalibog/dipscalp/pkg/models"
	"go.uber.org/zap"
)

// Paper использует рыночные данные настоящей биржи, но исполняет ордера
// на виртуальном балансе, удерживая taker-комиссию в валюте котировки
type Paper struct {
	market  Exchange
	quote   string
	feeRate float64
	now     func() time.Time

	mu       sync.Mutex
	balances map[string]float64
	rules    map[string]models.MarketRules
}

// NewPaper создает виртуальную биржу со стартовым балансом в валюте котировки
func NewPaper(market Exchange, quote string, startBalance, feeRate float64) *Paper {
	return &Paper{
		market:   market,
		quote:    quote,
		feeRate:  feeRate,
		now:      time.Now,
		balances: map[string]float64{quote: startBalance},
	}
}

// Markets кэширует правила пар для проверки минимумов при исполнении
func (p *Paper) Markets(ctx context.Context) (map[string]models.MarketRules, error) {
	markets, err := p.market.Markets(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.rules = markets
	p.mu.Unlock()
	return markets, nil
}

func (p *Paper) Ticker(ctx context.Context, symbol string) (*models.Ticker, error) {
	return p.market.Ticker(ctx, symbol)
}

func (p *Paper) Klines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	return p.market.Klines(ctx, symbol, interval, limit)
}

func (p *Paper) OrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	return p.market.OrderBook(ctx, symbol, depth)
}

// Balances копия виртуального баланса
func (p *Paper) Balances(context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make(map[string]float64, len(p.balances))
	for asset, qty := range p.balances {
		if qty > 0 {
			result[asset] = qty
		}
	}
	return result, nil
}

// Deposit зачисляет актив на виртуальный баланс
func (p *Paper) Deposit(asset string, quantity float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] += quantity
}

// MarketOrder исполняет ордер по лучшей цене тикера: покупка по ask, продажа по bid
func (p *Paper) MarketOrder(ctx context.Context, symbol string, side models.Side, quantity float64) (models.Fill, error) {
	rules, err := p.rulesFor(ctx, symbol)
	if err != nil {
		return models.Fill{}, err
	}
	ticker, err := p.market.Ticker(ctx, symbol)
	if err != nil {
		return models.Fill{}, err
	}

	price := ticker.Last
	switch {
	case side == models.SideBuy && ticker.Ask > 0:
		price = ticker.Ask
	case side == models.SideSell && ticker.Bid > 0:
		price = ticker.Bid
	}
	if price <= 0 || quantity <= 0 {
		return models.Fill{}, fmt.Errorf("%s: нет цены для исполнения: %w", symbol, ErrUnavailable)
	}

	notional := price * quantity
	if quantity < rules.MinQuantity || notional < rules.MinNotional {
		return models.Fill{}, fmt.Errorf("%s: %g на $%.4f: %w", symbol, quantity, notional, ErrMinimumVolume)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch side {
	case models.SideBuy:
		cost := notional * (1 + p.feeRate)
		if p.balances[p.quote] < cost {
			return models.Fill{}, fmt.Errorf("%s: недостаточно %s: нужно %.4f, есть %.4f: %w",
				symbol, p.quote, cost, p.balances[p.quote], ErrOrderRejected)
		}
		p.balances[p.quote] -= cost
		p.balances[rules.Base] += quantity
	case models.SideSell:
		if p.balances[rules.Base] < quantity {
			return models.Fill{}, fmt.Errorf("%s: недостаточно %s: нужно %g, есть %g: %w",
				symbol, rules.Base, quantity, p.balances[rules.Base], ErrOrderRejected)
		}
		p.balances[rules.Base] -= quantity
		p.balances[p.quote] += notional * (1 - p.feeRate)
	default:
		return models.Fill{}, fmt.Errorf("неизвестная сторона ордера %q: %w", side, ErrOrderRejected)
	}

	fill := models.Fill{
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		OrderID:  uuid.NewString(),
		Time:     p.now(),
	}
	logger.Info("Виртуальный ордер исполнен",
		zap.String("pair", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price),
		zap.String("order_id", fill.OrderID))
	return fill, nil
}

func (p *Paper) rulesFor(ctx context.Context, symbol string) (models.MarketRules, error) {
	p.mu.Lock()
	rules, ok := p.rules[symbol]
	p.mu.Unlock()
	if ok {
		return rules, nil
	}

	markets, err := p.Markets(ctx)
	if err != nil {
		return models.MarketRules{}, err
	}
	rules, ok = markets[symbol]
	if !ok {
		return models.MarketRules{}, fmt.Errorf("неизвестная пара %s: %w", symbol, ErrOrderRejected)
	}
	return rules, nil
}
