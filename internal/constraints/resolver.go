// Package constraints приводит размер ордера к ограничениям биржи:
// точности количества, минимальному количеству и минимальной стоимости.
package constraints

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/skalibog/dipscalp/pkg/models"
)

var (
	// ErrBelowPrecision количество обнулилось после округления до точности пары
	ErrBelowPrecision = errors.New("количество меньше шага точности")
	// ErrBelowMinimum ордер меньше минимального количества или стоимости
	ErrBelowMinimum = errors.New("ордер меньше минимума биржи")
	// ErrInvalidPrice цена неизвестна или не положительна
	ErrInvalidPrice = errors.New("некорректная цена")
)

const divisionPrecision = 28

// ResolvedOrder ордер, удовлетворяющий ограничениям пары
type ResolvedOrder struct {
	Symbol   string
	Quantity float64
	Price    float64
	Notional float64
}

// MinimumError сообщает, сколько USD нужно для минимально допустимого ордера
type MinimumError struct {
	Symbol      string
	Quantity    float64
	RequiredUSD float64
}

func (e *MinimumError) Error() string {
	return fmt.Sprintf("%s: количество %g ниже минимума, требуется $%.8f", e.Symbol, e.Quantity, e.RequiredUSD)
}

func (e *MinimumError) Is(target error) bool {
	return target == ErrBelowMinimum
}

// Resolve переводит сумму в USD в количество, допустимое для пары.
// Количество всегда округляется вниз, поэтому quantity*price <= desiredUSD.
// Если результат меньше минимумов пары, возвращается *MinimumError с суммой,
// достаточной для минимального ордера: решение об увеличении принимает вызывающий.
func Resolve(desiredUSD, price float64, rules models.MarketRules) (ResolvedOrder, error) {
	if price <= 0 {
		return ResolvedOrder{}, fmt.Errorf("%s: %w: %v", rules.Symbol, ErrInvalidPrice, price)
	}
	if desiredUSD <= 0 {
		return ResolvedOrder{}, fmt.Errorf("%s: %w", rules.Symbol, ErrBelowPrecision)
	}

	p := decimal.NewFromFloat(price)
	budget := decimal.NewFromFloat(desiredUSD)
	step := decimal.New(1, -rules.Precision)
	qty := budget.DivRound(p, divisionPrecision).Truncate(rules.Precision)
	// DivRound мог округлить частное вверх до узла сетки, а произведение
	// во float64 может оказаться больше точного
	for qty.IsPositive() && (qty.Mul(p).GreaterThan(budget) || qty.InexactFloat64()*price > desiredUSD) {
		qty = qty.Sub(step)
	}

	if !qty.IsPositive() {
		return ResolvedOrder{}, fmt.Errorf("%s: %w", rules.Symbol, ErrBelowPrecision)
	}

	notional := qty.Mul(p)
	if belowMinimum(qty, notional, rules) {
		return ResolvedOrder{}, &MinimumError{
			Symbol:      rules.Symbol,
			Quantity:    qty.InexactFloat64(),
			RequiredUSD: RequiredUSD(price, rules),
		}
	}

	return ResolvedOrder{
		Symbol:   rules.Symbol,
		Quantity: qty.InexactFloat64(),
		Price:    price,
		Notional: notional.InexactFloat64(),
	}, nil
}

// RequiredUSD минимальная сумма, на которую пара примет ордер по цене price:
// max(min_quantity*price, min_notional) с количеством на сетке точности.
func RequiredUSD(price float64, rules models.MarketRules) float64 {
	p := decimal.NewFromFloat(price)
	minQty := ceil(decimal.NewFromFloat(rules.MinQuantity), rules.Precision)
	notionalQty := ceil(decimal.NewFromFloat(rules.MinNotional).DivRound(p, divisionPrecision), rules.Precision)

	qty := decimal.Max(minQty, notionalQty)
	// хотя бы один шаг точности
	step := decimal.New(1, -rules.Precision)
	if qty.LessThan(step) {
		qty = step
	}
	required := floatNotLess(qty.Mul(p))
	if f := qty.InexactFloat64() * price; f > required {
		required = f
	}
	return required
}

// floatNotLess ближайший float64, не меньший v
func floatNotLess(v decimal.Decimal) float64 {
	f := v.InexactFloat64()
	for decimal.NewFromFloat(f).LessThan(v) {
		f = math.Nextafter(f, math.Inf(1))
	}
	return f
}

// QuantizeSell округляет остаток на балансе вниз до точности и проверяет,
// что биржа примет продажу. Ошибка ErrBelowMinimum означает пыль.
func QuantizeSell(quantity, price float64, rules models.MarketRules) (float64, error) {
	qty := decimal.NewFromFloat(quantity).Truncate(rules.Precision)
	if !qty.IsPositive() {
		return 0, fmt.Errorf("%s: %w", rules.Symbol, ErrBelowPrecision)
	}
	notional := qty.Mul(decimal.NewFromFloat(price))
	if price > 0 && belowMinimum(qty, notional, rules) {
		return qty.InexactFloat64(), fmt.Errorf("%s: %w", rules.Symbol, ErrBelowMinimum)
	}
	if price <= 0 && qty.LessThan(decimal.NewFromFloat(rules.MinQuantity)) {
		return qty.InexactFloat64(), fmt.Errorf("%s: %w", rules.Symbol, ErrBelowMinimum)
	}
	return qty.InexactFloat64(), nil
}

// Sellable сообщает, можно ли продать quantity одним ордером
func Sellable(quantity, price float64, rules models.MarketRules) bool {
	_, err := QuantizeSell(quantity, price, rules)
	return err == nil
}

func belowMinimum(qty, notional decimal.Decimal, rules models.MarketRules) bool {
	if qty.LessThan(decimal.NewFromFloat(rules.MinQuantity)) {
		return true
	}
	return notional.LessThan(decimal.NewFromFloat(rules.MinNotional))
}

func ceil(v decimal.Decimal, precision int32) decimal.Decimal {
	t := v.Truncate(precision)
	if t.LessThan(v) {
		return t.Add(decimal.New(1, -precision))
	}
	return t
}
