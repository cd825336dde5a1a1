// Package profit считает прибыль позиции с учетом комиссии на вход и выход.
package profit

// Calculator применяет одинаковую taker-комиссию к обеим сторонам сделки
type Calculator struct {
	FeeRate float64
}

// NewCalculator создает калькулятор с заданной ставкой комиссии
func NewCalculator(feeRate float64) Calculator {
	return Calculator{FeeRate: feeRate}
}

// Gross прибыль без учета комиссий
func (c Calculator) Gross(entry, qty, current float64) float64 {
	return (current - entry) * qty
}

// Fees оценка комиссий за покупку и продажу
func (c Calculator) Fees(entry, qty, current float64) float64 {
	return (current*qty + entry*qty) * c.FeeRate
}

// NetUSD чистая прибыль в USD. ok=false, если цена входа или текущая цена неизвестны.
func (c Calculator) NetUSD(entry, qty, current float64) (net float64, ok bool) {
	if entry <= 0 || current <= 0 || qty <= 0 {
		return 0, false
	}
	return c.Gross(entry, qty, current) - c.Fees(entry, qty, current), true
}

// NetPct чистая доходность: (current/entry - 1) - 2*fee
func (c Calculator) NetPct(entry, current float64) (pct float64, ok bool) {
	if entry <= 0 || current <= 0 {
		return 0, false
	}
	return current/entry - 1 - 2*c.FeeRate, true
}

// Change изменение цены без учета комиссий
func (c Calculator) Change(entry, current float64) (pct float64, ok bool) {
	if entry <= 0 || current <= 0 {
		return 0, false
	}
	return current/entry - 1, true
}

// RequiredExitPrice цена выхода, дающая targetNetPct чистой доходности
func (c Calculator) RequiredExitPrice(entry, targetNetPct float64) float64 {
	return entry * (1 + 2*c.FeeRate + targetNetPct)
}

// RequiredExitPriceUSD цена выхода, при которой NetUSD >= targetUSD.
// Из (c-e)q - (cq+eq)f = T: c = (T + eq(1+f)) / (q(1-f)).
func (c Calculator) RequiredExitPriceUSD(entry, qty, targetUSD float64) (float64, bool) {
	if entry <= 0 || qty <= 0 || c.FeeRate >= 1 {
		return 0, false
	}
	return (targetUSD + entry*qty*(1+c.FeeRate)) / (qty * (1 - c.FeeRate)), true
}
