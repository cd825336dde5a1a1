package profit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetUSD(t *testing.T) {
	calc := NewCalculator(0.0026)

	net, ok := calc.NetUSD(100, 10, 110)
	assert.True(t, ok)
	// gross 100, fees (1100+1000)*0.0026 = 5.46
	assert.InDelta(t, 94.54, net, 1e-9)
}

func TestRoundTripAtRequiredExitPrice(t *testing.T) {
	calc := NewCalculator(0.0026)

	exit := calc.RequiredExitPrice(100, 0.04)
	pct, ok := calc.NetPct(100, exit)

	assert.True(t, ok)
	assert.InDelta(t, 0.04, pct, 1e-12)
}

func TestRequiredExitPriceScenario(t *testing.T) {
	calc := NewCalculator(0.0026)
	assert.InDelta(t, 1.0452, calc.RequiredExitPrice(1.00, 0.04), 1e-12)
}

func TestRequiredExitPriceUSD(t *testing.T) {
	calc := NewCalculator(0.0026)

	price, ok := calc.RequiredExitPriceUSD(100, 10, 25)
	assert.True(t, ok)

	net, _ := calc.NetUSD(100, 10, price)
	assert.InDelta(t, 25, net, 1e-9)
}

func TestUnknownInputsDisableCalculation(t *testing.T) {
	calc := NewCalculator(0.0026)

	_, ok := calc.NetPct(0, 10)
	assert.False(t, ok)

	_, ok = calc.NetUSD(10, 1, 0)
	assert.False(t, ok)

	_, ok = calc.RequiredExitPriceUSD(0, 1, 1)
	assert.False(t, ok)

	_, ok = calc.Change(-1, 1)
	assert.False(t, ok)
}
