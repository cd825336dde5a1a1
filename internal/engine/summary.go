package engine

import (
	"context"
	"time"

	"github.com/skalibog/dipscalp/pkg/logger"
	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

// summaries пишет периодическую сводку в лог и дневную сводку в журнал
func (e *Engine) summaries(ctx context.Context, state State, report CycleReport, now time.Time) State {
	interval := time.Duration(e.cfg.Trading.SummaryIntervalMinutes) * time.Minute
	if interval > 0 && now.Sub(state.LastSummary) >= interval {
		logger.Info("Сводка",
			zap.Float64("total_usd", report.Pool.TotalUSD),
			zap.Float64("tradeable_usd", report.Pool.Tradeable()),
			zap.Float64("reserve_usd", report.Pool.ReserveUSD),
			zap.Int("positions", len(report.Positions)),
			zap.Float64("lifetime_take_profit_usd", state.Stats.LifetimeTakeProfitUSD),
			zap.Float64("lifetime_dust_recovered_usd", state.Stats.LifetimeDustRecoveredUSD))
		for _, pos := range report.Positions {
			logger.Info("Позиция",
				zap.String("pair", pos.Symbol),
				zap.Float64("quantity", pos.Quantity),
				zap.Float64("entry", pos.EntryPrice),
				zap.Time("since", pos.EntryTime))
		}
		state.LastSummary = now
	}

	day := now.UTC().Format(dayLayout)
	if state.Stats.LastDailySummary != day {
		if err := e.journal.SaveDailySummary(ctx, day, state.Stats, report.Pool, now); err != nil {
			// повторим в следующем цикле
			logger.Warn("Ошибка записи дневной сводки", zap.Error(err))
			return state
		}
		logger.Info("Дневная сводка",
			zap.String("day", day),
			zap.Float64("lifetime_take_profit_usd", state.Stats.LifetimeTakeProfitUSD),
			zap.Float64("lifetime_dust_recovered_usd", state.Stats.LifetimeDustRecoveredUSD),
			zap.Float64("reserve_usd", report.Pool.ReserveUSD))
		state.Stats.LastDailySummary = day
	}
	return state
}
