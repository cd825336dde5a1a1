package models

import (
	"time"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// OrderBookLevel представляет уровень стакана
type OrderBookLevel struct {
	Price  string
	Amount string
}

// OrderBook представляет стакан заявок
type OrderBook struct {
	Symbol    string
	Timestamp time.Time
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
}

// Ticker представляет текущие котировки пары
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	// BaseVolume объем за 24 часа в базовом активе, VolumeKnown=false если биржа его не вернула
	BaseVolume  float64
	VolumeKnown bool
	Timestamp   time.Time
}

// MarketRules ограничения биржи для торговой пары
type MarketRules struct {
	Symbol      string
	Base        string
	Quote       string
	Precision   int32 // знаков после запятой для количества
	MinQuantity float64
	MinNotional float64
}

// Side сторона ордера
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Fill результат исполнения рыночного ордера
type Fill struct {
	Symbol   string
	Side     Side
	Price    float64
	Quantity float64
	OrderID  string
	Time     time.Time
}

// Notional стоимость исполнения в валюте котировки
func (f Fill) Notional() float64 {
	return f.Price * f.Quantity
}
