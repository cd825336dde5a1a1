// Package allocator делит капитал на торговую часть и резерв, определяет размер
// покупок и освобождает капитал продажей худших позиций.
package allocator

import (
	"context"
	"errors"
	"sort"

	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/internal/constraints"
	"github.com/skalibog/dipscalp/internal/profit"
	"github.com/skalibog/dipscalp/pkg/logger"
	"github.com/skalibog/dipscalp/pkg/models"
	"go.uber.org/zap"
)

// Allocator распределитель капитала
type Allocator struct {
	trading config.TradingConfig
	capital config.CapitalConfig
	calc    profit.Calculator
}

// New создает распределитель
func New(trading config.TradingConfig, capital config.CapitalConfig, calc profit.Calculator) *Allocator {
	return &Allocator{trading: trading, capital: capital, calc: calc}
}

// Pool собирает пул капитала из текущего баланса и накопленного резерва
func (a *Allocator) Pool(totalUSD, reserveUSD float64) models.CapitalPool {
	return models.CapitalPool{
		TotalUSD:          totalUSD,
		TradeableFraction: a.capital.TradeableFraction,
		ReserveFraction:   a.capital.ReserveFraction,
		ReserveUSD:        reserveUSD,
	}
}

// Tradeable max(0, total*tradeable_fraction - reserve)
func Tradeable(pool models.CapitalPool) float64 {
	return pool.Tradeable()
}

// RecordRealized пополняет резерв долей положительной чистой прибыли.
// Убыточные продажи резерв не меняют. Возвращает прирост резерва.
func RecordRealized(pool *models.CapitalPool, netUSD float64) float64 {
	if netUSD <= 0 {
		return 0
	}
	added := netUSD * pool.ReserveFraction
	pool.ReserveUSD += added
	logger.Info("Пополнен резерв",
		zap.Float64("net_usd", netUSD),
		zap.Float64("added", added),
		zap.Float64("reserve", pool.ReserveUSD))
	return added
}

// Candidate кандидат, прошедший фильтры входа
type Candidate struct {
	Symbol string
	Base   string
	Price  float64
	Rules  models.MarketRules
}

// PerBuyUSD сумма на одну покупку: max(min_trade, tradeable / max(1, slots))
func (a *Allocator) PerBuyUSD(tradeable float64, openSlots int) float64 {
	if openSlots < 1 {
		openSlots = 1
	}
	perBuy := tradeable / float64(openSlots)
	if perBuy < a.trading.MinTradeUSD {
		return a.trading.MinTradeUSD
	}
	return perBuy
}

// PlanBuys определяет размер покупок. Порядок кандидатов сохраняется, каждая
// покупка уменьшает остаток tradeable, поэтому цикл не тратит больше пула.
// Если ордер ниже минимума пары, сумма поднимается до минимальной, когда ее
// хватает, иначе кандидат пропускается с InsufficientForMinimum.
func (a *Allocator) PlanBuys(tradeable float64, candidates []Candidate, openPositions int) []models.Decision {
	decisions := make([]models.Decision, 0, len(candidates))
	openSlots := a.trading.MaxConcurrentPositions - openPositions
	perBuy := a.PerBuyUSD(tradeable, openSlots)
	remaining := tradeable
	buys := 0

	skip := func(c Candidate, reason models.Reason) {
		d := models.Skip(c.Symbol, reason)
		d.Base = c.Base
		d.Price = c.Price
		decisions = append(decisions, d)
	}

	for _, c := range candidates {
		if openPositions+buys >= a.trading.MaxConcurrentPositions {
			skip(c, models.ReasonMaxPositions)
			continue
		}
		if buys >= a.trading.MaxBuysPerCycle {
			skip(c, models.ReasonMaxBuysPerCycle)
			continue
		}
		if remaining < a.trading.MinTradeUSD {
			skip(c, models.ReasonInsufficientCapital)
			continue
		}

		amount := perBuy
		if amount > remaining {
			amount = remaining
		}

		order, err := constraints.Resolve(amount, c.Price, c.Rules)
		var minErr *constraints.MinimumError
		switch {
		case err == nil:
		case errors.As(err, &minErr):
			if remaining < minErr.RequiredUSD {
				logger.Debug("Не хватает капитала на минимальный ордер",
					zap.String("pair", c.Symbol),
					zap.Float64("required_usd", minErr.RequiredUSD),
					zap.Float64("remaining", remaining))
				skip(c, models.ReasonInsufficientForMinimum)
				continue
			}
			order, err = constraints.Resolve(minErr.RequiredUSD, c.Price, c.Rules)
			if err != nil {
				skip(c, models.ReasonBelowMinimumOrder)
				continue
			}
			logger.Info("Сумма покупки поднята до минимума пары",
				zap.String("pair", c.Symbol),
				zap.Float64("desired", amount),
				zap.Float64("required_usd", minErr.RequiredUSD))
		case errors.Is(err, constraints.ErrBelowPrecision):
			skip(c, models.ReasonBelowPrecision)
			continue
		default:
			skip(c, models.ReasonMarketDataUnavailable)
			continue
		}

		d := models.Buy(c.Symbol, order.Notional)
		d.Base = c.Base
		d.Price = c.Price
		d.Quantity = order.Quantity
		decisions = append(decisions, d)

		remaining -= order.Notional
		buys++
	}

	return decisions
}

// Holding удерживаемая позиция с живыми данными для ранжирования
type Holding struct {
	Position models.Position
	Quantity float64
	Price    float64
	Rules    models.MarketRules
}

// Venue продажа и чтение баланса, нужные для ребалансировки
type Venue interface {
	MarketSell(ctx context.Context, symbol string, quantity float64) (models.Fill, error)
	QuoteTotal(ctx context.Context) (float64, error)
}

// RebalanceResult итог EnsureTradeable
type RebalanceResult struct {
	Pool      models.CapitalPool
	Decisions []models.Decision
	// Sold базовые активы, проданные полностью
	Sold []string
	// Fills исполнения продаж, в порядке Sold
	Fills []models.Fill
	OK    bool
}

// EnsureTradeable продает позиции от худшей к лучшей, пока tradeable не
// достигнет target или не закончатся продаваемые позиции. Неуспех не фатален:
// цикл просто пропускает покупки.
func (a *Allocator) EnsureTradeable(ctx context.Context, pool models.CapitalPool, target float64, holdings []Holding, venue Venue) RebalanceResult {
	result := RebalanceResult{Pool: pool}
	if pool.Tradeable() >= target {
		result.OK = true
		return result
	}

	ranked := a.RankWorstFirst(holdings)
	logger.Info("Недостаточно капитала, ребалансировка",
		zap.Float64("tradeable", pool.Tradeable()),
		zap.Float64("target", target),
		zap.Int("candidates", len(ranked)))

	for _, h := range ranked {
		if ctx.Err() != nil {
			break
		}
		symbol := h.Position.Symbol

		qty, err := constraints.QuantizeSell(h.Quantity, h.Price, h.Rules)
		if err != nil {
			d := models.Skip(symbol, models.ReasonBelowMinimumOrder)
			d.Base = h.Position.Base
			d.Error = err.Error()
			result.Decisions = append(result.Decisions, d)
			continue
		}

		d := models.Sell(symbol, qty, models.ReasonRebalance)
		d.Base = h.Position.Base
		d.Price = h.Price

		fill, err := venue.MarketSell(ctx, symbol, qty)
		if err != nil {
			logger.Warn("Биржа отклонила продажу при ребалансировке",
				zap.String("pair", symbol),
				zap.Float64("quantity", qty),
				zap.Error(err))
			d.Error = err.Error()
			result.Decisions = append(result.Decisions, d)
			continue
		}

		d.Executed = true
		d.Price = fill.Price
		d.Quantity = fill.Quantity
		result.Decisions = append(result.Decisions, d)
		result.Sold = append(result.Sold, h.Position.Base)
		result.Fills = append(result.Fills, fill)

		if net, ok := a.calc.NetUSD(h.Position.EntryPrice, fill.Quantity, fill.Price); ok {
			RecordRealized(&result.Pool, net)
		}

		total, err := venue.QuoteTotal(ctx)
		if err != nil {
			// оценка по исполнению за вычетом комиссии
			total = result.Pool.TotalUSD + fill.Notional()*(1-a.capital.TakerFeeRate)
			logger.Warn("Не удалось перечитать баланс после продажи", zap.Error(err))
		}
		result.Pool.TotalUSD = total

		if result.Pool.Tradeable() >= target {
			result.OK = true
			break
		}
	}

	logger.Info("Ребалансировка завершена",
		zap.Bool("ok", result.OK),
		zap.Float64("tradeable", result.Pool.Tradeable()),
		zap.Strings("sold", result.Sold))
	return result
}

// RankWorstFirst сортирует позиции по нереализованной доходности по возрастанию.
// Позиции без цены входа считаются нулевыми; равные сохраняют исходный порядок.
func (a *Allocator) RankWorstFirst(holdings []Holding) []Holding {
	ranked := make([]Holding, len(holdings))
	copy(ranked, holdings)
	sort.SliceStable(ranked, func(i, j int) bool {
		return a.unrealized(ranked[i]) < a.unrealized(ranked[j])
	})
	return ranked
}

func (a *Allocator) unrealized(h Holding) float64 {
	pct, ok := a.calc.NetPct(h.Position.EntryPrice, h.Price)
	if !ok {
		return 0
	}
	return pct
}
