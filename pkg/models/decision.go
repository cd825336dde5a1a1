package models

import "fmt"

// Action тип решения
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionSkip Action = "SKIP"
	ActionHold Action = "HOLD"
)

// Reason причина решения
type Reason string

// Причины выхода из позиции
const (
	ReasonStopLoss        Reason = "StopLoss"
	ReasonTakeProfit      Reason = "TakeProfit"
	ReasonReversal        Reason = "Reversal"
	ReasonSidewaysRecycle Reason = "SidewaysRecycle"
	ReasonDustRecovery    Reason = "DustRecovery"
	ReasonRebalance       Reason = "Rebalance"
	ReasonLiquidateAll    Reason = "LiquidateAll"
	ReasonNoSignal        Reason = "NoSignal"
)

// Причины пропуска кандидата (названия фильтров)
const (
	ReasonEntrySignal   Reason = "EntrySignal"
	ReasonAlreadyHeld   Reason = "AlreadyHeld"
	ReasonRestricted    Reason = "Restricted"
	ReasonCooldown      Reason = "Cooldown"
	ReasonLiquidity     Reason = "Liquidity"
	ReasonSpread        Reason = "Spread"
	ReasonDip           Reason = "Dip"
	ReasonCandlePattern Reason = "CandlePattern"
	ReasonMomentum      Reason = "Momentum"
)

// Ошибочные ситуации
const (
	ReasonMarketDataUnavailable  Reason = "MarketDataUnavailable"
	ReasonBelowMinimumOrder      Reason = "BelowMinimumOrder"
	ReasonBelowPrecision         Reason = "BelowPrecision"
	ReasonInsufficientForMinimum Reason = "InsufficientForMinimum"
	ReasonExchangeRejected       Reason = "ExchangeRejected"
	ReasonInsufficientCapital    Reason = "InsufficientCapital"
	ReasonUnknownCostBasis       Reason = "UnknownCostBasis"
	ReasonMaxPositions           Reason = "MaxPositions"
	ReasonMaxBuysPerCycle        Reason = "MaxBuysPerCycle"
)

// Decision решение по одной паре в рамках цикла
type Decision struct {
	Action    Action  `json:"action"`
	Symbol    string  `json:"symbol"`
	Base      string  `json:"base,omitempty"`
	USDAmount float64 `json:"usd_amount,omitempty"`
	Quantity  float64 `json:"quantity,omitempty"`
	Price     float64 `json:"price,omitempty"`
	Reason    Reason  `json:"reason"`
	// Executed true, если ордер по решению исполнен биржей
	Executed bool   `json:"executed"`
	Error    string `json:"error,omitempty"`
}

func Buy(symbol string, usd float64) Decision {
	return Decision{Action: ActionBuy, Symbol: symbol, USDAmount: usd, Reason: ReasonEntrySignal}
}

func Sell(symbol string, qty float64, reason Reason) Decision {
	return Decision{Action: ActionSell, Symbol: symbol, Quantity: qty, Reason: reason}
}

func Skip(symbol string, reason Reason) Decision {
	return Decision{Action: ActionSkip, Symbol: symbol, Reason: reason}
}

func Hold(symbol string, reason Reason) Decision {
	return Decision{Action: ActionHold, Symbol: symbol, Reason: reason}
}

func (d Decision) String() string {
	switch d.Action {
	case ActionBuy:
		return fmt.Sprintf("BUY(%s, $%.2f)", d.Symbol, d.USDAmount)
	case ActionSell:
		return fmt.Sprintf("SELL(%s, %g, %s)", d.Symbol, d.Quantity, d.Reason)
	default:
		return fmt.Sprintf("%s(%s, %s)", d.Action, d.Symbol, d.Reason)
	}
}
