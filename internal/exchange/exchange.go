package exchange

import (
	"context"
	"errors"

	"github.com/skalibog/dipscalp/pkg/models"
)

var (
	// ErrUnavailable биржа недоступна или не вернула данные
	ErrUnavailable = errors.New("биржа недоступна")
	// ErrOrderRejected биржа отклонила ордер
	ErrOrderRejected = errors.New("ордер отклонен")
	// ErrMinimumVolume ордер меньше минимального объема пары
	ErrMinimumVolume = errors.New("ордер меньше минимального объема")
)

// Exchange операции биржи, которые использует торговый движок
type Exchange interface {
	// Markets правила торговли по всем активным спот-парам
	Markets(ctx context.Context) (map[string]models.MarketRules, error)
	Ticker(ctx context.Context, symbol string) (*models.Ticker, error)
	// Klines свечи от старых к новым
	Klines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error)
	OrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error)
	// Balances свободный и заблокированный баланс по активам
	Balances(ctx context.Context) (map[string]float64, error)
	MarketOrder(ctx context.Context, symbol string, side models.Side, quantity float64) (models.Fill, error)
}
