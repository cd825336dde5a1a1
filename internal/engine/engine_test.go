package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/internal/exchange"
	"github.com/skalibog/dipscalp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeExchange биржа в памяти без комиссий: ордера исполняются по Last
type fakeExchange struct {
	markets     map[string]models.MarketRules
	tickers     map[string]*models.Ticker
	candles     map[string][]*models.Candle
	balances    map[string]float64
	rejectSell  map[string]error
	balancesErr error
	orders      []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		markets:    make(map[string]models.MarketRules),
		tickers:    make(map[string]*models.Ticker),
		candles:    make(map[string][]*models.Candle),
		balances:   make(map[string]float64),
		rejectSell: make(map[string]error),
	}
}

func (f *fakeExchange) addMarket(base string, price float64) {
	symbol := base + "USDT"
	f.markets[symbol] = models.MarketRules{
		Symbol: symbol, Base: base, Quote: "USDT",
		Precision: 3, MinQuantity: 0.001, MinNotional: 1,
	}
	f.tickers[symbol] = &models.Ticker{
		Symbol: symbol, Last: price, Bid: price * 0.999, Ask: price * 1.001,
		BaseVolume: 1e6, VolumeKnown: true,
	}
}

func (f *fakeExchange) Markets(context.Context) (map[string]models.MarketRules, error) {
	return f.markets, nil
}

func (f *fakeExchange) Ticker(_ context.Context, symbol string) (*models.Ticker, error) {
	t, ok := f.tickers[symbol]
	if !ok {
		return nil, exchange.ErrUnavailable
	}
	return t, nil
}

func (f *fakeExchange) Klines(_ context.Context, symbol, _ string, _ int) ([]*models.Candle, error) {
	c, ok := f.candles[symbol]
	if !ok {
		return nil, exchange.ErrUnavailable
	}
	return c, nil
}

// OrderBook один уровень на bid/ask тикера
func (f *fakeExchange) OrderBook(_ context.Context, symbol string, _ int) (*models.OrderBook, error) {
	t, ok := f.tickers[symbol]
	if !ok {
		return nil, exchange.ErrUnavailable
	}
	level := func(price float64) []models.OrderBookLevel {
		return []models.OrderBookLevel{{Price: strconv.FormatFloat(price, 'f', -1, 64), Amount: "1000"}}
	}
	return &models.OrderBook{Symbol: symbol, Timestamp: now, Bids: level(t.Bid), Asks: level(t.Ask)}, nil
}

func (f *fakeExchange) Balances(context.Context) (map[string]float64, error) {
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	result := make(map[string]float64, len(f.balances))
	for k, v := range f.balances {
		if v > 0 {
			result[k] = v
		}
	}
	return result, nil
}

func (f *fakeExchange) MarketOrder(_ context.Context, symbol string, side models.Side, quantity float64) (models.Fill, error) {
	rules := f.markets[symbol]
	price := f.tickers[symbol].Last
	if side == models.SideSell {
		if err := f.rejectSell[symbol]; err != nil {
			return models.Fill{}, err
		}
		f.balances[rules.Base] -= quantity
		f.balances["USDT"] += price * quantity
	} else {
		f.balances[rules.Base] += quantity
		f.balances["USDT"] -= price * quantity
	}
	f.orders = append(f.orders, fmt.Sprintf("%s %s", side, symbol))
	return models.Fill{Symbol: symbol, Side: side, Price: price, Quantity: quantity, OrderID: "1", Time: now}, nil
}

func testConfig(symbols ...string) *config.Config {
	cfg := config.Default()
	cfg.Trading.Symbols = symbols
	cfg.Capital.TakerFeeRate = 0.0026
	return &cfg
}

// dipCandles свечи с провалом от пика и восстановлением, проходящие фильтры входа
func dipCandles(price float64) []*models.Candle {
	closes := []float64{}
	for i := 0; i < 12; i++ {
		closes = append(closes, price*0.97)
	}
	closes = append(closes, price*0.98, price*0.99, price)
	candles := make([]*models.Candle, len(closes))
	start := now.Add(-time.Duration(len(closes)) * time.Minute)
	for i, c := range closes {
		open := start.Add(time.Duration(i) * time.Minute)
		candles[i] = &models.Candle{OpenTime: open, Open: c, High: c, Low: c, Close: c, CloseTime: open.Add(time.Minute - time.Millisecond)}
	}
	candles[0].High = price * 1.10
	return candles
}

func stateWith(positions ...models.Position) State {
	state := NewState()
	for _, p := range positions {
		state.Positions[p.Base] = p
	}
	return state
}

func findDecision(t *testing.T, decisions []models.Decision, symbol string) models.Decision {
	t.Helper()
	for _, d := range decisions {
		if d.Symbol == symbol {
			return d
		}
	}
	t.Fatalf("нет решения для %s", symbol)
	return models.Decision{}
}

func findAction(t *testing.T, decisions []models.Decision, symbol string, action models.Action) models.Decision {
	t.Helper()
	for _, d := range decisions {
		if d.Symbol == symbol && d.Action == action {
			return d
		}
	}
	t.Fatalf("нет решения %s для %s", action, symbol)
	return models.Decision{}
}

func TestTakeProfitSellUpdatesReserveAndCooldown(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("SOL", 110)
	ex.balances["SOL"] = 1
	ex.candles["SOLUSDT"] = dipCandles(110)

	eng := New(testConfig("SOLUSDT"), ex, nil)
	state := stateWith(models.Position{Base: "SOL", Symbol: "SOLUSDT", EntryPrice: 100, Quantity: 1, EntryTime: now.Add(-time.Minute)})

	next, report, err := eng.RunCycle(context.Background(), state, now)
	require.NoError(t, err)

	d := findDecision(t, report.Decisions, "SOLUSDT")
	assert.Equal(t, models.ActionSell, d.Action)
	assert.Equal(t, models.ReasonTakeProfit, d.Reason)
	assert.True(t, d.Executed)

	net := 10.0 - 210*0.0026
	assert.InDelta(t, 0.30*net, next.ReserveUSD, 1e-9)
	assert.InDelta(t, net, next.Stats.LifetimeTakeProfitUSD, 1e-9)
	assert.Empty(t, next.Positions)
	assert.Equal(t, now.Add(15*time.Minute), next.Cooldowns["SOL"])

	// сразу после выхода повторный вход заблокирован кулдауном
	_, report, err = eng.RunCycle(context.Background(), next, now.Add(time.Minute))
	require.NoError(t, err)
	d = findDecision(t, report.Decisions, "SOLUSDT")
	assert.Equal(t, models.ActionSkip, d.Action)
	assert.Equal(t, models.ReasonCooldown, d.Reason)
}

func TestCooldownElapsedAllowsEntry(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("SOL", 100)
	ex.balances["USDT"] = 100
	ex.candles["SOLUSDT"] = dipCandles(100)

	eng := New(testConfig("SOLUSDT"), ex, nil)
	state := NewState()
	state.Cooldowns["SOL"] = now.Add(-time.Second)

	next, report, err := eng.RunCycle(context.Background(), state, now)
	require.NoError(t, err)

	d := findDecision(t, report.Decisions, "SOLUSDT")
	require.Equal(t, models.ActionBuy, d.Action, d.String())
	assert.True(t, d.Executed)
	// tradeable = 70, шесть слотов: по 11.67 на покупку
	assert.InDelta(t, 70.0/6, d.USDAmount, 0.1)

	pos, ok := next.Positions["SOL"]
	require.True(t, ok)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, now, pos.EntryTime)
}

func TestBuyCombinesStrayBalance(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("SOL", 100)
	ex.balances["USDT"] = 100
	// пыль ниже минимальной стоимости ордера
	ex.balances["SOL"] = 0.005
	ex.candles["SOLUSDT"] = dipCandles(100)

	eng := New(testConfig("SOLUSDT"), ex, nil)
	next, report, err := eng.RunCycle(context.Background(), NewState(), now)
	require.NoError(t, err)

	// пыль без цены входа удерживается, затем докупается
	hold := findDecision(t, report.Decisions, "SOLUSDT")
	assert.Equal(t, models.ReasonUnknownCostBasis, hold.Reason)

	d := findAction(t, report.Decisions, "SOLUSDT", models.ActionBuy)
	assert.True(t, d.Executed)
	pos := next.Positions["SOL"]
	assert.InDelta(t, d.Quantity+0.005, pos.Quantity, 1e-9)
}

func TestBalanceFailurePropagates(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("SOL", 100)
	ex.balancesErr = exchange.ErrUnavailable

	eng := New(testConfig("SOLUSDT"), ex, nil)
	state := stateWith(models.Position{Base: "SOL", Symbol: "SOLUSDT", EntryPrice: 100, Quantity: 1})

	next, _, err := eng.RunCycle(context.Background(), state, now)
	assert.ErrorIs(t, err, exchange.ErrUnavailable)
	assert.Equal(t, state.Positions, next.Positions)
}

func TestReconcileAndDustRecovery(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("ETH", 3000)
	ex.addMarket("DOGE", 0.2)
	ex.balances["USDT"] = 100
	// DOGE лежит на балансе без записи о покупке
	ex.balances["DOGE"] = 50

	eng := New(testConfig(), ex, nil)
	state := stateWith(models.Position{Base: "ETH", Symbol: "ETHUSDT", EntryPrice: 2900, Quantity: 0.01})

	next, report, err := eng.RunCycle(context.Background(), state, now)
	require.NoError(t, err)

	_, held := next.Positions["ETH"]
	assert.False(t, held)
	// позиция закрыта вне движка: кулдауна нет
	_, cooling := next.Cooldowns["ETH"]
	assert.False(t, cooling)

	d := findDecision(t, report.Decisions, "DOGEUSDT")
	assert.Equal(t, models.ActionSell, d.Action)
	assert.Equal(t, models.ReasonDustRecovery, d.Reason)
	assert.True(t, d.Executed)
	assert.InDelta(t, 10.0, next.Stats.LifetimeDustRecoveredUSD, 1e-9)
	// без цены входа прибыль неизвестна: резерв не меняется
	assert.Equal(t, 0.0, next.ReserveUSD)
}

func TestRejectedOrphanIsNotBoughtAgain(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("DOGE", 0.2)
	ex.balances["USDT"] = 100
	ex.balances["DOGE"] = 50
	ex.candles["DOGEUSDT"] = dipCandles(0.2)
	ex.rejectSell["DOGEUSDT"] = fmt.Errorf("rejected: %w", exchange.ErrOrderRejected)

	eng := New(testConfig("DOGEUSDT"), ex, nil)
	next, report, err := eng.RunCycle(context.Background(), NewState(), now)
	require.NoError(t, err)

	sell := findAction(t, report.Decisions, "DOGEUSDT", models.ActionSell)
	assert.Equal(t, models.ReasonExchangeRejected, sell.Reason)
	assert.False(t, sell.Executed)

	// остаток продаваем, значит актив уже удерживается
	skip := findAction(t, report.Decisions, "DOGEUSDT", models.ActionSkip)
	assert.Equal(t, models.ReasonAlreadyHeld, skip.Reason)
	assert.Empty(t, ex.orders)
	assert.Empty(t, next.Positions)
}

func TestSellRejectedKeepsPosition(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("SOL", 90)
	ex.balances["SOL"] = 1
	ex.rejectSell["SOLUSDT"] = fmt.Errorf("filter failure: %w", exchange.ErrMinimumVolume)

	eng := New(testConfig("SOLUSDT"), ex, nil)
	state := stateWith(models.Position{Base: "SOL", Symbol: "SOLUSDT", EntryPrice: 100, Quantity: 1, EntryTime: now})

	next, report, err := eng.RunCycle(context.Background(), state, now)
	require.NoError(t, err)

	d := report.Decisions[0]
	assert.Equal(t, models.ActionSell, d.Action)
	assert.Equal(t, models.ReasonExchangeRejected, d.Reason)
	assert.False(t, d.Executed)
	assert.Contains(t, d.Error, string(models.ReasonStopLoss))

	_, held := next.Positions["SOL"]
	assert.True(t, held)
}

func TestRebalanceSellsWorstFirst(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("AAA", 0.98)
	ex.addMarket("BBB", 1.01)
	ex.balances["AAA"] = 5
	ex.balances["BBB"] = 5

	eng := New(testConfig("AAAUSDT", "BBBUSDT"), ex, nil)
	state := stateWith(
		models.Position{Base: "BBB", Symbol: "BBBUSDT", EntryPrice: 1, Quantity: 5, EntryTime: now},
		models.Position{Base: "AAA", Symbol: "AAAUSDT", EntryPrice: 1, Quantity: 5, EntryTime: now},
	)

	next, report, err := eng.RunCycle(context.Background(), state, now)
	require.NoError(t, err)

	assert.True(t, report.Rebalanced)
	assert.Equal(t, []string{"SELL AAAUSDT"}, ex.orders)
	_, held := next.Positions["AAA"]
	assert.False(t, held)
	_, held = next.Positions["BBB"]
	assert.True(t, held)

	var rebalance models.Decision
	for _, d := range report.Decisions {
		if d.Reason == models.ReasonRebalance {
			rebalance = d
		}
	}
	assert.Equal(t, "AAAUSDT", rebalance.Symbol)
	assert.True(t, rebalance.Executed)
}

func TestInsufficientCapitalSkipsBuyPhase(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("SOL", 100)
	ex.candles["SOLUSDT"] = dipCandles(100)

	eng := New(testConfig("SOLUSDT"), ex, nil)
	_, report, err := eng.RunCycle(context.Background(), NewState(), now)
	require.NoError(t, err)

	require.Len(t, report.Decisions, 1)
	assert.Equal(t, models.ReasonInsufficientCapital, report.Decisions[0].Reason)
	assert.Empty(t, ex.orders)
}

func TestMaxPositionsSkipsCandidates(t *testing.T) {
	ex := newFakeExchange()
	ex.balances["USDT"] = 1000
	state := NewState()
	for _, base := range []string{"A1", "A2", "A3", "A4", "A5", "A6"} {
		ex.addMarket(base, 10)
		ex.balances[base] = 1
		state.Positions[base] = models.Position{Base: base, Symbol: base + "USDT", EntryPrice: 10, Quantity: 1, EntryTime: now}
	}
	ex.addMarket("SOL", 100)
	ex.candles["SOLUSDT"] = dipCandles(100)

	eng := New(testConfig("SOLUSDT"), ex, nil)
	_, report, err := eng.RunCycle(context.Background(), state, now)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Count(models.ActionBuy))
	assert.Empty(t, ex.orders)
	for _, d := range report.Decisions {
		assert.NotEqual(t, "SOLUSDT", d.Symbol)
	}
}

func TestUniverseDiscovery(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("SOL", 100)
	ex.addMarket("USDC", 1)
	ex.markets["SOLBTC"] = models.MarketRules{Symbol: "SOLBTC", Base: "SOL", Quote: "BTC"}
	ex.balances["USDT"] = 100

	eng := New(testConfig(), ex, nil)
	require.NoError(t, eng.loadMarkets(context.Background(), now))

	assert.Equal(t, []string{"SOLUSDT", "USDCUSDT"}, eng.universe())

	_, report, err := eng.RunCycle(context.Background(), NewState(), now)
	require.NoError(t, err)
	d := findDecision(t, report.Decisions, "USDCUSDT")
	assert.Equal(t, models.ReasonRestricted, d.Reason)
}

func TestLiquidateAll(t *testing.T) {
	ex := newFakeExchange()
	ex.addMarket("SOL", 110)
	ex.addMarket("DOGE", 0.2)
	ex.balances["USDT"] = 10
	ex.balances["SOL"] = 1
	// 0.2 * 2 = 0.4 < минимальной стоимости ордера
	ex.balances["DOGE"] = 2

	eng := New(testConfig(), ex, nil)
	state := stateWith(models.Position{Base: "SOL", Symbol: "SOLUSDT", EntryPrice: 100, Quantity: 1, EntryTime: now})

	next, decisions, err := eng.LiquidateAll(context.Background(), state, now)
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	doge := findDecision(t, decisions, "DOGEUSDT")
	assert.Equal(t, models.ReasonBelowMinimumOrder, doge.Reason)
	sol := findDecision(t, decisions, "SOLUSDT")
	assert.True(t, sol.Executed)
	assert.Equal(t, models.ReasonLiquidateAll, sol.Reason)

	assert.Empty(t, next.Positions)
	_, cooling := next.Cooldowns["SOL"]
	assert.False(t, cooling)
	assert.Greater(t, next.ReserveUSD, 0.0)
	assert.Equal(t, []string{"SELL SOLUSDT"}, ex.orders)
}

func TestStateSnapshotDropsExpiredCooldowns(t *testing.T) {
	state := NewState()
	state.Cooldowns["OLD"] = now.Add(-time.Minute)
	state.Cooldowns["NEW"] = now.Add(time.Minute)
	state.ReserveUSD = 4

	snapshot := state.Snapshot(now)
	assert.Len(t, snapshot.Cooldowns, 1)

	restored := StateFromSnapshot(snapshot)
	assert.Equal(t, 4.0, restored.ReserveUSD)
	assert.Contains(t, restored.Cooldowns, "NEW")
}

type failingJournal struct {
	daily int
}

func (f *failingJournal) SaveDecisions(context.Context, string, []models.Decision, time.Time) error {
	return errors.New("недоступно")
}

func (f *failingJournal) SaveFill(context.Context, models.Fill, models.Reason) error {
	return errors.New("недоступно")
}

func (f *failingJournal) SavePoolSnapshot(context.Context, models.CapitalPool, int, time.Time) error {
	return errors.New("недоступно")
}

func (f *failingJournal) SaveDailySummary(context.Context, string, models.Stats, models.CapitalPool, time.Time) error {
	f.daily++
	return nil
}

func (f *failingJournal) Close() {}

func TestDailySummaryOncePerDay(t *testing.T) {
	ex := newFakeExchange()
	ex.balances["USDT"] = 0.5
	journal := &failingJournal{}

	eng := New(testConfig(), ex, journal)
	state, _, err := eng.RunCycle(context.Background(), NewState(), now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", state.Stats.LastDailySummary)
	assert.Equal(t, now, state.LastSummary)

	state, _, err = eng.RunCycle(context.Background(), state, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, journal.daily)

	_, _, err = eng.RunCycle(context.Background(), state, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, journal.daily)
}
