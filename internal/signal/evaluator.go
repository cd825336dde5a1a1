// Package signal принимает решения по удерживаемым позициям и кандидатам на вход.
package signal

import (
	"math"
	"time"

	"github.com/skalibog/dipscalp/internal/analysis/orderbook"
	"github.com/skalibog/dipscalp/internal/analysis/technical"
	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/internal/constraints"
	"github.com/skalibog/dipscalp/internal/profit"
	"github.com/skalibog/dipscalp/pkg/logger"
	"github.com/skalibog/dipscalp/pkg/models"
	"go.uber.org/zap"
)

// patternLength число свечей в паттерне разворота и входа
const patternLength = 3

// Evaluator проверяет правила выхода и фильтры входа
type Evaluator struct {
	cfg      config.StrategyConfig
	calc     profit.Calculator
	sideways time.Duration
}

// NewEvaluator создает оценщик сигналов
func NewEvaluator(cfg config.StrategyConfig, calc profit.Calculator) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		calc:     calc,
		sideways: time.Duration(cfg.SidewaysSeconds) * time.Second,
	}
}

// PositionInput данные для оценки удерживаемой позиции
type PositionInput struct {
	Position models.Position
	// Quantity живой баланс актива на бирже
	Quantity float64
	Price    float64
	// Candles история свечей, может включать незакрытую последнюю
	Candles []*models.Candle
	Rules   models.MarketRules
	Now     time.Time
}

// EvaluatePosition проверяет правила выхода в фиксированном порядке:
// стоп-лосс, тейк-профит, разворот, боковик, пыль. Срабатывает первое.
func (e *Evaluator) EvaluatePosition(in PositionInput) models.Decision {
	pos := in.Position
	symbol := pos.Symbol
	qty := in.Quantity
	if qty <= 0 {
		qty = pos.Quantity
	}

	if in.Price <= 0 {
		return withBase(models.Hold(symbol, models.ReasonMarketDataUnavailable), pos.Base)
	}

	sell := func(reason models.Reason) models.Decision {
		d := models.Sell(symbol, qty, reason)
		d.Base = pos.Base
		d.Price = in.Price
		return d
	}

	if change, ok := e.calc.Change(pos.EntryPrice, in.Price); ok && change <= e.cfg.StopLossPct {
		return sell(models.ReasonStopLoss)
	}

	if net, ok := e.calc.NetPct(pos.EntryPrice, in.Price); ok && net >= e.cfg.TakeProfitNetPct {
		return sell(models.ReasonTakeProfit)
	}

	closed := technical.ClosedCandles(in.Candles, in.Now)

	if e.reversal(closed, in.Price) {
		return sell(models.ReasonReversal)
	}

	if e.sidewaysTimeout(pos, closed, in.Price, in.Now) {
		return sell(models.ReasonSidewaysRecycle)
	}

	if !pos.HasCostBasis() {
		if constraints.Sellable(qty, in.Price, in.Rules) {
			return sell(models.ReasonDustRecovery)
		}
		return withBase(models.Hold(symbol, models.ReasonUnknownCostBasis), pos.Base)
	}

	return withBase(models.Hold(symbol, models.ReasonNoSignal), pos.Base)
}

func (e *Evaluator) reversal(closed []*models.Candle, price float64) bool {
	closes := technical.Closes(closed)
	if !technical.StrictlyDecreasing(closes, patternLength) {
		return false
	}
	peak, ok := technical.RecentPeak(closed, e.cfg.ReversalWindow)
	if !ok {
		return false
	}
	return technical.DropFromPeak(peak, price) >= e.cfg.ReversalDropPct
}

func (e *Evaluator) sidewaysTimeout(pos models.Position, closed []*models.Candle, price float64, now time.Time) bool {
	if !pos.HasCostBasis() || pos.EntryTime.IsZero() {
		return false
	}
	if now.Sub(pos.EntryTime) < e.sideways {
		return false
	}
	change, ok := e.calc.Change(pos.EntryPrice, price)
	if !ok || math.Abs(change) > e.cfg.SidewaysThreshold {
		return false
	}
	// без достаточной истории средние не определены: восходящего импульса нет
	up, _ := technical.Momentum(technical.Closes(closed), e.cfg.ShortMA, e.cfg.LongMA)
	return !up
}

// CandidateData ленивый источник рыночных данных по кандидату.
// Методы вызываются только если предыдущие фильтры пройдены.
type CandidateData interface {
	Ticker() (*models.Ticker, error)
	OrderBook() (*models.OrderBook, error)
	Candles() ([]*models.Candle, error)
}

// CandidateInput кандидат на покупку
type CandidateInput struct {
	Symbol      string
	Base        string
	Held        bool
	Restricted  bool
	CoolingDown bool
	Data        CandidateData
	Now         time.Time
}

// EvaluateCandidate прогоняет кандидата через цепочку фильтров.
// Первый непройденный фильтр дает SKIP с его именем, иначе BUY с текущей ценой.
// Сумма покупки определяется распределителем капитала.
func (e *Evaluator) EvaluateCandidate(in CandidateInput) models.Decision {
	skip := func(reason models.Reason) models.Decision {
		return withBase(models.Skip(in.Symbol, reason), in.Base)
	}

	switch {
	case in.Held:
		return skip(models.ReasonAlreadyHeld)
	case in.Restricted:
		return skip(models.ReasonRestricted)
	case in.CoolingDown:
		return skip(models.ReasonCooldown)
	}

	ticker, err := in.Data.Ticker()
	if err != nil {
		logger.Debug("Тикер недоступен", zap.String("pair", in.Symbol), zap.Error(err))
		ticker = nil
	}

	// объем неизвестен - фильтр пропускает
	if ticker != nil && ticker.VolumeKnown && ticker.BaseVolume < e.cfg.MinVolume24h {
		return skip(models.ReasonLiquidity)
	}

	price, ok := e.checkSpread(in.Symbol, ticker, in.Data)
	if !ok {
		return skip(models.ReasonSpread)
	}

	candles, err := in.Data.Candles()
	if err != nil {
		logger.Debug("Свечи недоступны", zap.String("pair", in.Symbol), zap.Error(err))
		return skip(models.ReasonMarketDataUnavailable)
	}
	closed := technical.ClosedCandles(candles, in.Now)
	if len(closed) == 0 || price <= 0 {
		return skip(models.ReasonMarketDataUnavailable)
	}

	peak, ok := technical.RecentPeak(closed, e.cfg.DipWindow)
	if !ok || technical.DropFromPeak(peak, price) < e.cfg.DipPct {
		return skip(models.ReasonDip)
	}

	closes := technical.Closes(closed)
	if !technical.StrictlyIncreasing(closes, patternLength) {
		return skip(models.ReasonCandlePattern)
	}

	up, ok := technical.Momentum(closes, e.cfg.ShortMA, e.cfg.LongMA)
	if !ok || !up {
		return skip(models.ReasonMomentum)
	}

	d := models.Buy(in.Symbol, 0)
	d.Base = in.Base
	d.Price = price
	return d
}

// checkSpread проверяет спред по лучшим уровням стакана. Без стакана, а также
// с пустым или перекрещенным стаканом кандидат отклоняется. Возвращает текущую
// цену для следующих фильтров: last тикера, иначе середину стакана.
func (e *Evaluator) checkSpread(symbol string, ticker *models.Ticker, data CandidateData) (float64, bool) {
	book, err := data.OrderBook()
	if err != nil {
		logger.Debug("Стакан недоступен", zap.String("pair", symbol), zap.Error(err))
		return 0, false
	}
	spread, err := orderbook.Spread(book)
	if err != nil {
		logger.Debug("Спред не определен", zap.String("pair", symbol), zap.Error(err))
		return 0, false
	}

	if ticker != nil && ticker.Last > 0 {
		return ticker.Last, spread <= e.cfg.MaxSpreadPct
	}
	bids, asks, _ := orderbook.ConvertLevels(book)
	return (bids[0].Price + asks[0].Price) / 2, spread <= e.cfg.MaxSpreadPct
}

func withBase(d models.Decision, base string) models.Decision {
	d.Base = base
	return d
}
