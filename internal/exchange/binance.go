package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/pkg/logger"
	"github.com/skalibog/dipscalp/pkg/models"
	"go.uber.org/zap"
)

// codeFilterFailure ошибка фильтров пары (LOT_SIZE, NOTIONAL и т.п.)
const codeFilterFailure = -1013

// BinanceClient клиент для взаимодействия со спотовым рынком Binance
type BinanceClient struct {
	spot *binance.Client
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) *BinanceClient {
	spotClient := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		spotClient.BaseURL = "https://testnet.binance.vision"
	}
	return &BinanceClient{spot: spotClient}
}

// newBinanceClientWithURL клиент с произвольным адресом API
func newBinanceClientWithURL(baseURL string) *BinanceClient {
	spotClient := binance.NewClient("key", "secret")
	spotClient.BaseURL = baseURL
	return &BinanceClient{spot: spotClient}
}

// Markets получает правила торговли из exchangeInfo
func (c *BinanceClient) Markets(ctx context.Context) (map[string]models.MarketRules, error) {
	info, err := c.spot.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации о бирже: %w", unavailable(err))
	}

	markets := make(map[string]models.MarketRules, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != string(binance.SymbolStatusTypeTrading) || !s.IsSpotTradingAllowed {
			continue
		}
		rules, err := symbolRules(s)
		if err != nil {
			logger.Debug("Пропущена пара с некорректными фильтрами",
				zap.String("pair", s.Symbol), zap.Error(err))
			continue
		}
		markets[s.Symbol] = rules
	}
	return markets, nil
}

func symbolRules(s binance.Symbol) (models.MarketRules, error) {
	rules := models.MarketRules{
		Symbol: s.Symbol,
		Base:   s.BaseAsset,
		Quote:  s.QuoteAsset,
	}

	lot := s.LotSizeFilter()
	if lot == nil {
		return rules, fmt.Errorf("нет фильтра LOT_SIZE")
	}
	precision, err := stepPrecision(lot.StepSize)
	if err != nil {
		return rules, err
	}
	rules.Precision = precision
	if rules.MinQuantity, err = parseFloat(lot.MinQuantity); err != nil {
		return rules, err
	}

	// новые пары используют NOTIONAL, старые MIN_NOTIONAL
	if f := s.NotionalFilter(); f != nil {
		if rules.MinNotional, err = parseFloat(f.MinNotional); err != nil {
			return rules, err
		}
	} else if f := s.MinNotionalFilter(); f != nil {
		if rules.MinNotional, err = parseFloat(f.MinNotional); err != nil {
			return rules, err
		}
	}
	return rules, nil
}

// stepPrecision число знаков после запятой у шага количества: "0.00100000" -> 3
func stepPrecision(step string) (int32, error) {
	d, err := decimal.NewFromString(step)
	if err != nil {
		return 0, fmt.Errorf("некорректный шаг %q: %w", step, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("шаг %q не положителен", step)
	}
	trimmed := strings.TrimRight(d.String(), "0")
	idx := strings.IndexByte(trimmed, '.')
	if idx < 0 {
		return 0, nil
	}
	return int32(len(trimmed) - idx - 1), nil
}

// Ticker получает 24-часовую статистику пары
func (c *BinanceClient) Ticker(ctx context.Context, symbol string) (*models.Ticker, error) {
	stats, err := c.spot.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тикера: %w", unavailable(err))
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("не найден тикер для %s: %w", symbol, ErrUnavailable)
	}
	s := stats[0]

	ticker := &models.Ticker{Symbol: symbol, Timestamp: time.Now()}
	if ticker.Last, err = parseFloat(s.LastPrice); err != nil {
		return nil, err
	}
	// пустые bid/ask означают отсутствие данных
	ticker.Bid, _ = parseFloat(s.BidPrice)
	ticker.Ask, _ = parseFloat(s.AskPrice)
	if volume, err := parseFloat(s.Volume); err == nil && s.Volume != "" {
		ticker.BaseVolume = volume
		ticker.VolumeKnown = true
	}
	return ticker, nil
}

// Klines получает исторические свечи
func (c *BinanceClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	klines, err := c.spot.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей: %w", unavailable(err))
	}

	candles := make([]*models.Candle, 0, len(klines))
	for _, k := range klines {
		candle := &models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
		}
		values := []struct {
			dst *float64
			src string
		}{
			{&candle.Open, k.Open},
			{&candle.High, k.High},
			{&candle.Low, k.Low},
			{&candle.Close, k.Close},
			{&candle.Volume, k.Volume},
		}
		for _, v := range values {
			if *v.dst, err = parseFloat(v.src); err != nil {
				return nil, fmt.Errorf("ошибка парсинга свечи %s: %w", symbol, err)
			}
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// OrderBook получает стакан заявок
func (c *BinanceClient) OrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	ob, err := c.spot.NewDepthService().
		Symbol(symbol).
		Limit(depth).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения стакана: %w", unavailable(err))
	}

	orderBook := &models.OrderBook{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Bids:      make([]models.OrderBookLevel, len(ob.Bids)),
		Asks:      make([]models.OrderBookLevel, len(ob.Asks)),
	}

	for i, bid := range ob.Bids {
		orderBook.Bids[i] = models.OrderBookLevel{
			Price:  bid.Price,
			Amount: bid.Quantity,
		}
	}

	for i, ask := range ob.Asks {
		orderBook.Asks[i] = models.OrderBookLevel{
			Price:  ask.Price,
			Amount: ask.Quantity,
		}
	}

	return orderBook, nil
}

// Balances получает ненулевые балансы аккаунта (free + locked)
func (c *BinanceClient) Balances(ctx context.Context) (map[string]float64, error) {
	account, err := c.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения баланса: %w", unavailable(err))
	}

	balances := make(map[string]float64)
	for _, b := range account.Balances {
		free, err := parseFloat(b.Free)
		if err != nil {
			return nil, err
		}
		locked, err := parseFloat(b.Locked)
		if err != nil {
			return nil, err
		}
		if total := free + locked; total > 0 {
			balances[b.Asset] = total
		}
	}
	return balances, nil
}

// MarketOrder размещает рыночный ордер и возвращает среднюю цену исполнения
func (c *BinanceClient) MarketOrder(ctx context.Context, symbol string, side models.Side, quantity float64) (models.Fill, error) {
	qty := decimal.NewFromFloat(quantity).String()

	resp, err := c.spot.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return models.Fill{}, fmt.Errorf("ошибка размещения ордера %s %s %s: %w", side, symbol, qty, classifyOrderError(err))
	}

	executed, err := parseFloat(resp.ExecutedQuantity)
	if err != nil {
		return models.Fill{}, err
	}
	quote, err := parseFloat(resp.CummulativeQuoteQuantity)
	if err != nil {
		return models.Fill{}, err
	}
	if executed <= 0 {
		return models.Fill{}, fmt.Errorf("ордер %d по %s не исполнен: %w", resp.OrderID, symbol, ErrOrderRejected)
	}

	fill := models.Fill{
		Symbol:   symbol,
		Side:     side,
		Price:    quote / executed,
		Quantity: executed,
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		Time:     time.UnixMilli(resp.TransactTime),
	}
	logger.Info("Ордер исполнен",
		zap.String("pair", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("price", fill.Price),
		zap.String("order_id", fill.OrderID))
	return fill, nil
}

// classifyOrderError отделяет ошибки фильтров пары от прочих отказов и сбоев сети
func classifyOrderError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeFilterFailure {
			return fmt.Errorf("%w: %v", ErrMinimumVolume, err)
		}
		return fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("ошибка парсинга числа %q: %w", s, err)
	}
	return v, nil
}
