package models

import "time"

// Position открытая позиция по базовому активу
type Position struct {
	Base       string    `json:"base"`
	Symbol     string    `json:"symbol"`
	EntryPrice float64   `json:"entry_price"` // 0 - цена входа неизвестна
	Quantity   float64   `json:"quantity"`
	EntryTime  time.Time `json:"entry_time"`
}

// HasCostBasis сообщает, известна ли цена входа
func (p Position) HasCostBasis() bool {
	return p.EntryPrice > 0
}

// CapitalPool разделение капитала на торговую часть и резерв
type CapitalPool struct {
	TotalUSD          float64 `json:"total_usd"`
	TradeableFraction float64 `json:"tradeable_fraction"`
	ReserveFraction   float64 `json:"reserve_fraction"`
	ReserveUSD        float64 `json:"reserve_usd"`
}

// Tradeable сумма, доступная для новых входов
func (p CapitalPool) Tradeable() float64 {
	t := p.TotalUSD*p.TradeableFraction - p.ReserveUSD
	if t < 0 {
		return 0
	}
	return t
}

// Stats накопленная статистика за все время работы
type Stats struct {
	LifetimeTakeProfitUSD    float64 `json:"lifetime_take_profit_usd"`
	LifetimeDustRecoveredUSD float64 `json:"lifetime_dust_recovered_usd"`
	LastDailySummary         string  `json:"last_daily_summary,omitempty"`
}

// StateSnapshot сериализуемое состояние движка между перезапусками
type StateSnapshot struct {
	Positions  map[string]Position  `json:"positions"`
	Cooldowns  map[string]time.Time `json:"cooldowns"`
	ReserveUSD float64              `json:"reserve_usd"`
	Stats      Stats                `json:"stats"`
	SavedAt    time.Time            `json:"saved_at"`
}
