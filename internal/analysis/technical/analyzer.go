package technical

import (
	"time"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/dipscalp/pkg/models"
)

// ClosedCandles отбрасывает последнюю свечу, если она еще не закрыта к моменту now
func ClosedCandles(candles []*models.Candle, now time.Time) []*models.Candle {
	if len(candles) == 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if !last.CloseTime.IsZero() && last.CloseTime.After(now) {
		return candles[:len(candles)-1]
	}
	return candles
}

// Closes цены закрытия в порядке от старых к новым
func Closes(candles []*models.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// Highs максимумы свечей
func Highs(candles []*models.Candle) []float64 {
	highs := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
	}
	return highs
}

// SMA простое скользящее среднее по последним window значениям.
// ok=false, если данных меньше окна.
func SMA(values []float64, window int) (float64, bool) {
	if window <= 0 || len(values) < window {
		return 0, false
	}
	sma := talib.Sma(values, window)
	return sma[len(sma)-1], true
}

// Momentum сравнивает короткую и длинную средние.
// up=true, если короткая выше длинной; ok=false, если свечей меньше длинного окна.
func Momentum(closes []float64, short, long int) (up bool, ok bool) {
	if len(closes) < long {
		return false, false
	}
	shortMA, okShort := SMA(closes, short)
	longMA, okLong := SMA(closes, long)
	if !okShort || !okLong {
		return false, false
	}
	return shortMA > longMA, true
}

// RecentPeak максимум high за последние window свечей.
// Если свечей меньше окна, берутся все доступные.
func RecentPeak(candles []*models.Candle, window int) (float64, bool) {
	if len(candles) == 0 || window <= 0 {
		return 0, false
	}
	highs := Highs(candles)
	if window > len(highs) {
		window = len(highs)
	}
	if window < 2 {
		return highs[len(highs)-1], highs[len(highs)-1] > 0
	}
	peaks := talib.Max(highs, window)
	peak := peaks[len(peaks)-1]
	return peak, peak > 0
}

// DropFromPeak относительное падение цены от пика
func DropFromPeak(peak, current float64) float64 {
	if peak <= 0 {
		return 0
	}
	return (peak - current) / peak
}

// StrictlyIncreasing последние n значений строго растут
func StrictlyIncreasing(values []float64, n int) bool {
	if n < 2 || len(values) < n {
		return false
	}
	tail := values[len(values)-n:]
	for i := 1; i < len(tail); i++ {
		if tail[i] <= tail[i-1] {
			return false
		}
	}
	return true
}

// StrictlyDecreasing последние n значений строго падают
func StrictlyDecreasing(values []float64, n int) bool {
	if n < 2 || len(values) < n {
		return false
	}
	tail := values[len(values)-n:]
	for i := 1; i < len(tail); i++ {
		if tail[i] >= tail[i-1] {
			return false
		}
	}
	return true
}
