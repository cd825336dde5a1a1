package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/skalibog/dipscalp/internal/allocator"
	"github.com/skalibog/dipscalp/internal/constraints"
	"github.com/skalibog/dipscalp/pkg/logger"
	"github.com/skalibog/dipscalp/pkg/models"
	"go.uber.org/zap"
)

// LiquidateAll продает все балансы, кроме валюты котировки и запрещенных
// активов. Остатки ниже минимума биржи остаются пылью. Проданные позиции
// удаляются без кулдауна.
func (e *Engine) LiquidateAll(ctx context.Context, state State, now time.Time) (State, []models.Decision, error) {
	if err := e.loadMarkets(ctx, now); err != nil {
		return state, nil, err
	}
	balances, err := e.client.Balances(ctx)
	if err != nil {
		return state, nil, fmt.Errorf("ошибка чтения баланса: %w", err)
	}

	next := StateFromSnapshot(state.Snapshot(now))
	next.LastSummary = state.LastSummary
	pool := e.allocator.Pool(balances[e.cfg.Trading.QuoteAsset], state.ReserveUSD)

	bases := make([]string, 0, len(balances))
	for base, qty := range balances {
		if qty > 0 && e.tracked(base) {
			bases = append(bases, base)
		}
	}
	sort.Strings(bases)

	var decisions []models.Decision
	for _, base := range bases {
		rules, _ := e.rulesFor(base)
		price := e.newMarketData(ctx, rules.Symbol).price()

		qty, err := constraints.QuantizeSell(balances[base], price, rules)
		if err != nil {
			logger.Info("Остаток ниже минимума, остается пылью",
				zap.String("asset", base),
				zap.Float64("quantity", balances[base]),
				zap.Float64("price", price))
			d := models.Skip(rules.Symbol, models.ReasonBelowMinimumOrder)
			d.Base = base
			d.Quantity = balances[base]
			decisions = append(decisions, d)
			continue
		}

		d := models.Sell(rules.Symbol, qty, models.ReasonLiquidateAll)
		d.Base = base
		fill, err := e.client.MarketOrder(ctx, rules.Symbol, models.SideSell, qty)
		if err != nil {
			logger.Warn("Не удалось продать при старте", zap.String("pair", rules.Symbol), zap.Error(err))
			d.Reason = models.ReasonExchangeRejected
			d.Error = err.Error()
			decisions = append(decisions, d)
			continue
		}

		d.Executed = true
		d.Price = fill.Price
		d.Quantity = fill.Quantity
		d.USDAmount = fill.Notional()
		decisions = append(decisions, d)

		if pos, ok := next.Positions[base]; ok {
			if net, known := e.calc.NetUSD(pos.EntryPrice, fill.Quantity, fill.Price); known {
				allocator.RecordRealized(&pool, net)
			}
			delete(next.Positions, base)
		}
		e.saveFill(ctx, fill, models.ReasonLiquidateAll)
	}

	next.ReserveUSD = pool.ReserveUSD
	logger.Info("Ликвидация при старте завершена",
		zap.Int("sold", countExecuted(decisions)),
		zap.Int("unsold", len(decisions)-countExecuted(decisions)))
	return next, decisions, nil
}

func countExecuted(decisions []models.Decision) int {
	n := 0
	for _, d := range decisions {
		if d.Executed {
			n++
		}
	}
	return n
}
