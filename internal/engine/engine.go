// Package engine выполняет торговый цикл: продажи, ребалансировку и покупки.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/dipscalp/internal/allocator"
	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/internal/constraints"
	"github.com/skalibog/dipscalp/internal/exchange"
	"github.com/skalibog/dipscalp/internal/profit"
	"github.com/skalibog/dipscalp/internal/registry"
	"github.com/skalibog/dipscalp/internal/signal"
	"github.com/skalibog/dipscalp/internal/storage"
	"github.com/skalibog/dipscalp/pkg/logger"
	"github.com/skalibog/dipscalp/pkg/models"
	"go.uber.org/zap"
)

// marketsTTL как долго используются правила пар без обновления
const marketsTTL = time.Hour

// CycleReport итог одного цикла
type CycleReport struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Decisions []models.Decision
	Pool      models.CapitalPool
	Positions []models.Position
	Stats     models.Stats
	// Rebalanced true, если в цикле продавались позиции ради капитала
	Rebalanced bool
}

// Count число решений с заданным действием
func (r CycleReport) Count(action models.Action) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Action == action {
			n++
		}
	}
	return n
}

// Engine торговый движок
type Engine struct {
	cfg       *config.Config
	client    exchange.Exchange
	journal   storage.Journal
	calc      profit.Calculator
	evaluator *signal.Evaluator
	allocator *allocator.Allocator

	markets   map[string]models.MarketRules
	bySymbol  map[string]string // базовый актив -> пара в валюте котировки
	marketsAt time.Time

	restricted map[string]bool
}

// New создает движок
func New(cfg *config.Config, client exchange.Exchange, journal storage.Journal) *Engine {
	if journal == nil {
		journal = storage.NopJournal{}
	}
	calc := profit.NewCalculator(cfg.Capital.TakerFeeRate)
	restricted := make(map[string]bool, len(cfg.Trading.Restricted)+1)
	for _, base := range cfg.Trading.Restricted {
		restricted[base] = true
	}
	restricted[cfg.Trading.QuoteAsset] = true

	return &Engine{
		cfg:        cfg,
		client:     client,
		journal:    journal,
		calc:       calc,
		evaluator:  signal.NewEvaluator(cfg.Strategy, calc),
		allocator:  allocator.New(cfg.Trading, cfg.Capital, calc),
		restricted: restricted,
	}
}

// cycle изменяемый контекст одного цикла
type cycle struct {
	ctx       context.Context
	now       time.Time
	reg       *registry.Registry
	pool      models.CapitalPool
	stats     models.Stats
	balances  map[string]float64
	prices    map[string]float64
	decisions []models.Decision
}

func (c *cycle) add(d models.Decision) {
	c.decisions = append(c.decisions, d)
}

// RunCycle выполняет один проход: сверка с балансом, продажи, ребалансировка,
// покупки. Ошибка возвращается только при потере связи с биржей (баланс не
// прочитан); сбои по отдельным парам превращаются в решения с причиной.
func (e *Engine) RunCycle(ctx context.Context, state State, now time.Time) (State, CycleReport, error) {
	report := CycleReport{ID: uuid.NewString(), StartedAt: now}
	started := time.Now()

	if err := e.loadMarkets(ctx, now); err != nil {
		return state, report, err
	}

	balances, err := e.client.Balances(ctx)
	if err != nil {
		return state, report, fmt.Errorf("ошибка чтения баланса: %w", err)
	}

	reg := registry.New(e.cfg.Cooldown())
	reg.Restore(state.Positions, state.Cooldowns)

	c := &cycle{
		ctx:      ctx,
		now:      now,
		reg:      reg,
		pool:     e.allocator.Pool(balances[e.cfg.Trading.QuoteAsset], state.ReserveUSD),
		stats:    state.Stats,
		balances: balances,
		prices:   make(map[string]float64),
	}

	reconciled := reg.Reconcile(balances, e.tracked)
	if len(reconciled.Removed) > 0 {
		logger.Warn("Позиции закрыты вне движка", zap.Strings("bases", reconciled.Removed))
	}

	e.sellPass(c, reconciled.Orphans)

	// продажи завершены до расчета капитала на покупки
	e.refreshPool(c)

	canBuy := true
	if c.pool.Tradeable() < e.cfg.Trading.MinTradeUSD {
		canBuy = e.rebalance(c, &report)
	}

	if canBuy {
		e.buyPass(c)
	}

	report.Decisions = c.decisions
	report.Pool = c.pool
	report.Positions = reg.Positions()
	report.Stats = c.stats
	report.Duration = time.Since(started)

	e.journalCycle(c, report)

	positions, cooldowns := reg.Snapshot()
	next := State{
		Positions:   positions,
		Cooldowns:   cooldowns,
		ReserveUSD:  c.pool.ReserveUSD,
		Stats:       c.stats,
		LastSummary: state.LastSummary,
	}
	next = e.summaries(ctx, next, report, now)
	report.Stats = next.Stats

	logger.Info("Цикл завершен",
		zap.String("cycle_id", report.ID),
		zap.Int("buys", report.Count(models.ActionBuy)),
		zap.Int("sells", report.Count(models.ActionSell)),
		zap.Int("positions", len(report.Positions)),
		zap.Float64("tradeable", c.pool.Tradeable()),
		zap.Float64("reserve", c.pool.ReserveUSD),
		zap.Duration("duration", report.Duration))

	return next, report, nil
}

// loadMarkets обновляет кэш правил пар. Если обновить не удалось, но кэш есть,
// используется кэш.
func (e *Engine) loadMarkets(ctx context.Context, now time.Time) error {
	if e.markets != nil && now.Sub(e.marketsAt) < marketsTTL {
		return nil
	}
	markets, err := e.client.Markets(ctx)
	if err != nil {
		if e.markets != nil {
			logger.Warn("Не удалось обновить правила пар, используется кэш", zap.Error(err))
			return nil
		}
		return fmt.Errorf("ошибка загрузки правил пар: %w", err)
	}

	bySymbol := make(map[string]string)
	for symbol, rules := range markets {
		if rules.Quote == e.cfg.Trading.QuoteAsset {
			bySymbol[rules.Base] = symbol
		}
	}
	e.markets = markets
	e.bySymbol = bySymbol
	e.marketsAt = now
	logger.Debug("ENGINE: правила пар загружены", zap.Int("pairs", len(bySymbol)))
	return nil
}

// tracked актив торгуется в валюте котировки и не запрещен
func (e *Engine) tracked(base string) bool {
	if e.restricted[base] {
		return false
	}
	_, ok := e.bySymbol[base]
	return ok
}

func (e *Engine) rulesFor(base string) (models.MarketRules, bool) {
	symbol, ok := e.bySymbol[base]
	if !ok {
		return models.MarketRules{}, false
	}
	rules, ok := e.markets[symbol]
	return rules, ok
}

// sellPass оценивает все позиции и сирот и исполняет продажи
func (e *Engine) sellPass(c *cycle, orphans []string) {
	held := c.reg.Positions()
	for _, base := range orphans {
		rules, _ := e.rulesFor(base)
		held = append(held, models.Position{Base: base, Symbol: rules.Symbol, Quantity: c.balances[base]})
	}

	for _, pos := range held {
		if c.ctx.Err() != nil {
			return
		}
		rules, ok := e.rulesFor(pos.Base)
		if !ok {
			c.add(withBase(models.Hold(pos.Symbol, models.ReasonMarketDataUnavailable), pos.Base))
			continue
		}
		if pos.Symbol == "" {
			pos.Symbol = rules.Symbol
		}

		data := e.newMarketData(c.ctx, rules.Symbol)
		price := data.price()
		c.prices[pos.Base] = price

		candles, err := data.Candles()
		if err != nil {
			logger.Debug("Свечи недоступны", zap.String("pair", rules.Symbol), zap.Error(err))
		}

		d := e.evaluator.EvaluatePosition(signal.PositionInput{
			Position: pos,
			Quantity: c.balances[pos.Base],
			Price:    price,
			Candles:  candles,
			Rules:    rules,
			Now:      c.now,
		})

		if d.Action != models.ActionSell {
			logger.Debug("ENGINE: позиция удерживается",
				zap.String("pair", d.Symbol),
				zap.String("reason", string(d.Reason)))
			c.add(d)
			continue
		}

		c.add(e.executeSell(c, pos, rules, d))
	}
}

// executeSell продает позицию и учитывает результат: резерв, статистику, кулдаун
func (e *Engine) executeSell(c *cycle, pos models.Position, rules models.MarketRules, d models.Decision) models.Decision {
	trigger := d.Reason

	qty, err := constraints.QuantizeSell(d.Quantity, d.Price, rules)
	if err != nil {
		logger.Info("Позиция ниже минимума биржи, остается пылью",
			zap.String("pair", d.Symbol),
			zap.String("trigger", string(trigger)),
			zap.Float64("quantity", d.Quantity))
		d.Reason = models.ReasonBelowMinimumOrder
		d.Error = fmt.Sprintf("%s: %v", trigger, err)
		return d
	}
	d.Quantity = qty

	fill, err := e.client.MarketOrder(c.ctx, d.Symbol, models.SideSell, qty)
	if err != nil {
		logger.Warn("Продажа отклонена",
			zap.String("pair", d.Symbol),
			zap.String("trigger", string(trigger)),
			zap.Bool("minimum_volume", errors.Is(err, exchange.ErrMinimumVolume)),
			zap.Error(err))
		d.Reason = models.ReasonExchangeRejected
		d.Error = fmt.Sprintf("%s: %v", trigger, err)
		return d
	}

	d.Executed = true
	d.Price = fill.Price
	d.Quantity = fill.Quantity
	d.USDAmount = fill.Notional()

	net, known := e.calc.NetUSD(pos.EntryPrice, fill.Quantity, fill.Price)
	if known {
		allocator.RecordRealized(&c.pool, net)
	}
	switch trigger {
	case models.ReasonTakeProfit:
		if known && net > 0 {
			c.stats.LifetimeTakeProfitUSD += net
		}
	case models.ReasonDustRecovery:
		c.stats.LifetimeDustRecoveredUSD += fill.Notional()
	}

	until := c.reg.Close(pos.Base, c.now)
	c.balances[pos.Base] -= fill.Quantity
	e.saveFill(c.ctx, fill, trigger)

	logger.Info("Позиция продана",
		zap.String("pair", d.Symbol),
		zap.String("reason", string(trigger)),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("price", fill.Price),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("net_usd", net),
		zap.Time("cooldown_until", until))
	return d
}

// refreshPool перечитывает баланс валюты котировки после продаж
func (e *Engine) refreshPool(c *cycle) {
	balances, err := e.client.Balances(c.ctx)
	if err != nil {
		logger.Warn("Не удалось перечитать баланс, используется прежний", zap.Error(err))
		return
	}
	c.balances = balances
	c.pool.TotalUSD = balances[e.cfg.Trading.QuoteAsset]
}

// rebalance освобождает капитал, продавая худшие позиции. Возвращает false,
// если капитала на покупки так и не хватило.
func (e *Engine) rebalance(c *cycle, report *CycleReport) bool {
	target := e.cfg.Trading.MinTradeUSD * e.cfg.Trading.RebalanceTargetMultiplier

	var holdings []allocator.Holding
	for _, pos := range c.reg.Positions() {
		rules, ok := e.rulesFor(pos.Base)
		price := c.prices[pos.Base]
		if !ok || price <= 0 {
			continue
		}
		holdings = append(holdings, allocator.Holding{
			Position: pos,
			Quantity: c.balances[pos.Base],
			Price:    price,
			Rules:    rules,
		})
	}

	result := e.allocator.EnsureTradeable(c.ctx, c.pool, target, holdings, &venue{client: e.client, quote: e.cfg.Trading.QuoteAsset})
	c.pool = result.Pool
	c.decisions = append(c.decisions, result.Decisions...)

	for i, base := range result.Sold {
		c.reg.Close(base, c.now)
		e.saveFill(c.ctx, result.Fills[i], models.ReasonRebalance)
	}
	if len(result.Sold) > 0 {
		report.Rebalanced = true
		e.refreshPool(c)
	}

	if c.pool.Tradeable() >= e.cfg.Trading.MinTradeUSD {
		return true
	}
	c.add(models.Skip("", models.ReasonInsufficientCapital))
	logger.Warn("Недостаточно капитала, покупки пропущены",
		zap.Float64("tradeable", c.pool.Tradeable()),
		zap.Float64("target", target))
	return false
}

// universe пары-кандидаты в стабильном порядке
func (e *Engine) universe() []string {
	var symbols []string
	if len(e.cfg.Trading.Symbols) > 0 {
		symbols = append(symbols, e.cfg.Trading.Symbols...)
	} else {
		for _, symbol := range e.bySymbol {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
	}
	return symbols
}

// buyPass прогоняет кандидатов через фильтры и исполняет покупки
func (e *Engine) buyPass(c *cycle) {
	if c.reg.Len() >= e.cfg.Trading.MaxConcurrentPositions {
		logger.Debug("ENGINE: достигнут лимит позиций", zap.Int("positions", c.reg.Len()))
		return
	}

	var candidates []allocator.Candidate
	for _, symbol := range e.universe() {
		if c.ctx.Err() != nil {
			return
		}
		rules, ok := e.markets[symbol]
		if !ok {
			c.add(models.Skip(symbol, models.ReasonMarketDataUnavailable))
			continue
		}

		d := e.evaluator.EvaluateCandidate(signal.CandidateInput{
			Symbol:      symbol,
			Base:        rules.Base,
			Held:        e.held(c, rules),
			Restricted:  e.restricted[rules.Base],
			CoolingDown: c.reg.IsCoolingDown(rules.Base, c.now),
			Data:        e.newMarketData(c.ctx, symbol),
			Now:         c.now,
		})
		if d.Action != models.ActionBuy {
			c.add(d)
			continue
		}
		candidates = append(candidates, allocator.Candidate{
			Symbol: symbol,
			Base:   rules.Base,
			Price:  d.Price,
			Rules:  rules,
		})
	}

	if len(candidates) == 0 {
		return
	}

	bought := false
	for _, d := range e.allocator.PlanBuys(c.pool.Tradeable(), candidates, c.reg.Len()) {
		if d.Action != models.ActionBuy {
			c.add(d)
			continue
		}
		d = e.executeBuy(c, d)
		bought = bought || d.Executed
		c.add(d)
	}
	if bought {
		e.refreshPool(c)
	}
}

// held позиция в реестре или продаваемый остаток без записи о покупке, например
// сирота, продажа которой в этом цикле не прошла. Пыль ниже минимума не мешает
// покупке: она добавляется к новой позиции.
func (e *Engine) held(c *cycle, rules models.MarketRules) bool {
	if c.reg.Has(rules.Base) {
		return true
	}
	price := c.prices[rules.Base]
	return price > 0 && constraints.Sellable(c.balances[rules.Base], price, rules)
}

// executeBuy покупает и открывает позицию. Остаток актива, лежавший на балансе
// ниже минимума, добавляется к позиции, чтобы уйти со следующей продажей.
func (e *Engine) executeBuy(c *cycle, d models.Decision) models.Decision {
	fill, err := e.client.MarketOrder(c.ctx, d.Symbol, models.SideBuy, d.Quantity)
	if err != nil {
		logger.Warn("Покупка отклонена", zap.String("pair", d.Symbol), zap.Error(err))
		d.Reason = models.ReasonExchangeRejected
		d.Error = err.Error()
		return d
	}

	stray := c.balances[d.Base]
	if stray < 0 {
		stray = 0
	}
	qty := fill.Quantity + stray
	c.reg.Open(d.Symbol, d.Base, fill.Price, qty, c.now)
	c.balances[d.Base] = qty
	c.pool.TotalUSD -= fill.Notional() * (1 + e.cfg.Capital.TakerFeeRate)
	e.saveFill(c.ctx, fill, models.ReasonEntrySignal)

	d.Executed = true
	d.Price = fill.Price
	d.Quantity = fill.Quantity
	d.USDAmount = fill.Notional()

	logger.Info("Позиция открыта",
		zap.String("pair", d.Symbol),
		zap.Float64("quantity", qty),
		zap.Float64("stray", stray),
		zap.Float64("price", fill.Price),
		zap.Float64("usd", d.USDAmount))
	return d
}

func (e *Engine) saveFill(ctx context.Context, fill models.Fill, reason models.Reason) {
	if err := e.journal.SaveFill(ctx, fill, reason); err != nil {
		logger.Warn("Ошибка записи исполнения в журнал", zap.Error(err))
	}
}

func (e *Engine) journalCycle(c *cycle, report CycleReport) {
	if err := e.journal.SaveDecisions(c.ctx, report.ID, report.Decisions, c.now); err != nil {
		logger.Warn("Ошибка записи решений в журнал", zap.Error(err))
	}
	if err := e.journal.SavePoolSnapshot(c.ctx, c.pool, len(report.Positions), c.now); err != nil {
		logger.Warn("Ошибка записи пула в журнал", zap.Error(err))
	}
}

// venue продажи для ребалансировки
type venue struct {
	client exchange.Exchange
	quote  string
}

func (v *venue) MarketSell(ctx context.Context, symbol string, quantity float64) (models.Fill, error) {
	return v.client.MarketOrder(ctx, symbol, models.SideSell, quantity)
}

func (v *venue) QuoteTotal(ctx context.Context) (float64, error) {
	balances, err := v.client.Balances(ctx)
	if err != nil {
		return 0, err
	}
	return balances[v.quote], nil
}

func withBase(d models.Decision, base string) models.Decision {
	d.Base = base
	return d
}
