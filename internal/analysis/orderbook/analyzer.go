package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/skalibog/dipscalp/pkg/models"
)

var (
	// ErrEmptyBook в стакане нет ни бидов, ни асков
	ErrEmptyBook = errors.New("пустой стакан")
	// ErrCrossedBook лучший бид выше лучшего аска
	ErrCrossedBook = errors.New("перекрещенный стакан")
)

// OrderLevel представляет уровень с численными значениями
type OrderLevel struct {
	Price  float64
	Amount float64
}

// ConvertLevels конвертирует строковые цены и объемы в числа и сортирует:
// биды по убыванию цены, аски по возрастанию
func ConvertLevels(orderBook *models.OrderBook) ([]OrderLevel, []OrderLevel, error) {
	bids, err := parseLevels(orderBook.Bids)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка парсинга бидов: %w", err)
	}
	asks, err := parseLevels(orderBook.Asks)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка парсинга асков: %w", err)
	}

	sort.Slice(bids, func(i, j int) bool {
		return bids[i].Price > bids[j].Price
	})
	sort.Slice(asks, func(i, j int) bool {
		return asks[i].Price < asks[j].Price
	})

	return bids, asks, nil
}

// Spread относительный спред (ask-bid)/mid по лучшим уровням стакана
func Spread(orderBook *models.OrderBook) (float64, error) {
	if orderBook == nil {
		return 0, ErrEmptyBook
	}
	bids, asks, err := ConvertLevels(orderBook)
	if err != nil {
		return 0, err
	}
	if len(bids) == 0 || len(asks) == 0 {
		return 0, ErrEmptyBook
	}
	return relativeSpread(bids[0].Price, asks[0].Price)
}

func relativeSpread(bid, ask float64) (float64, error) {
	if bid <= 0 || ask <= 0 {
		return 0, ErrEmptyBook
	}
	if ask < bid {
		return 0, fmt.Errorf("%w: bid %g > ask %g", ErrCrossedBook, bid, ask)
	}
	mid := (ask + bid) / 2
	return (ask - bid) / mid, nil
}

func parseLevels(levels []models.OrderBookLevel) ([]OrderLevel, error) {
	result := make([]OrderLevel, 0, len(levels))
	for _, level := range levels {
		price, err := strconv.ParseFloat(level.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("цена %q: %w", level.Price, err)
		}
		amount, err := strconv.ParseFloat(level.Amount, 64)
		if err != nil {
			return nil, fmt.Errorf("объем %q: %w", level.Amount, err)
		}
		// нулевые уровни биржа присылает при удалении заявок
		if amount == 0 {
			continue
		}
		result = append(result, OrderLevel{Price: price, Amount: amount})
	}
	return result, nil
}
