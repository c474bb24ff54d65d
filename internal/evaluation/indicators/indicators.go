// Package indicators computes the technical-analysis numbers the
// evaluation engine attaches to a snapshot: RSI, ATR, EMA/MACD, a
// least-squares slope, and VWAP. Every function returns a nullable
// result (*float64, nil on insufficient data or a non-finite value):
// division by zero and NaN/Inf never escape this package as fabricated
// numbers.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Candle is one normalised OHLCV bar, ascending time order.
type Candle struct {
	T int64 // unix millis
	O, H, L, C, V float64
}

const (
	DefaultRSIPeriod    = 14
	DefaultATRPeriod    = 14
	DefaultEMAFast      = 12
	DefaultEMASlow      = 26
	DefaultMACDSignal   = 9
	DefaultSlopeLookback = 10
	DefaultVWAPPeriods  = 0 // 0 = full lookback
)

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func ptr(f float64) *float64 {
	if !isFinite(f) {
		return nil
	}
	return &f
}

// lastValue returns the last value of a go-talib output series, or nil when
// the series is empty, shorter than minLen, or ends in a non-finite value.
// go-talib pads its warm-up window with zeros rather than NaN, so callers
// pass the minimum input length required for a meaningful value.
func lastValue(series []float64, minLen int) *float64 {
	if len(series) < minLen || len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	return ptr(v)
}

// RSI computes the Wilder-smoothed relative strength index over closes,
// returning the most recent value.
func RSI(closes []float64, period int) *float64 {
	if period <= 0 {
		period = DefaultRSIPeriod
	}
	if len(closes) <= period {
		return nil
	}
	out := talib.Rsi(closes, period)
	return lastValue(out, period+1)
}

// ATR computes the Wilder-smoothed average true range over highs/lows/
// closes, returning the most recent value.
func ATR(highs, lows, closes []float64, period int) *float64 {
	if period <= 0 {
		period = DefaultATRPeriod
	}
	if len(closes) <= period || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	out := talib.Atr(highs, lows, closes, period)
	return lastValue(out, period+1)
}

// EMA computes the exponential moving average over closes, returning the
// most recent value.
func EMA(closes []float64, period int) *float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	out := talib.Ema(closes, period)
	return lastValue(out, period)
}

// MACD holds the three MACD series' most recent values.
type MACD struct {
	Value  *float64
	Signal *float64
	Hist   *float64
}

// ComputeMACD computes MACD(fast,slow,signal) over closes.
func ComputeMACD(closes []float64, fast, slow, signalPeriod int) MACD {
	if fast <= 0 {
		fast = DefaultEMAFast
	}
	if slow <= 0 {
		slow = DefaultEMASlow
	}
	if signalPeriod <= 0 {
		signalPeriod = DefaultMACDSignal
	}
	minLen := slow + signalPeriod
	if len(closes) < minLen {
		return MACD{}
	}
	macd, signal, hist := talib.Macd(closes, fast, slow, signalPeriod)
	return MACD{
		Value:  lastValue(macd, minLen),
		Signal: lastValue(signal, minLen),
		Hist:   lastValue(hist, minLen),
	}
}

// Slope computes the least-squares slope (percent change per candle) over
// the last n closes. Returns nil when fewer than 2 closes are available
// or the fit is degenerate.
func Slope(closes []float64, n int) *float64 {
	if n <= 0 {
		n = DefaultSlopeLookback
	}
	if len(closes) < 2 {
		return nil
	}
	if n > len(closes) {
		n = len(closes)
	}
	window := closes[len(closes)-n:]
	xs := make([]float64, len(window))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, window, nil, false)
	if !isFinite(slope) || window[0] == 0 {
		return nil
	}
	pctPerCandle := slope / window[0] * 100
	return ptr(pctPerCandle)
}

// VWAP computes the volume-weighted average typical price over the last
// `periods` candles (0 = the whole slice), and the total volume it was
// computed over.
func VWAP(candles []Candle, periods int) (vwap *float64, volume *float64) {
	if len(candles) == 0 {
		return nil, nil
	}
	window := candles
	if periods > 0 && periods < len(candles) {
		window = candles[len(candles)-periods:]
	}
	var pvSum, vSum float64
	for _, c := range window {
		typical := (c.H + c.L + c.C) / 3
		pvSum += typical * c.V
		vSum += c.V
	}
	if vSum <= 0 {
		return nil, ptr(vSum)
	}
	return ptr(pvSum / vSum), ptr(vSum)
}

// NormalizeCandles sorts candles ascending by time and drops exact-time
// duplicates, keeping the first occurrence. Running it twice on its own
// output is a fixed point.
func NormalizeCandles(in []Candle) []Candle {
	if len(in) == 0 {
		return in
	}
	sorted := make([]Candle, len(in))
	copy(sorted, in)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].T > sorted[j].T; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	out := sorted[:0:0]
	var lastT int64
	first := true
	for _, c := range sorted {
		if first || c.T != lastT {
			out = append(out, c)
			lastT = c.T
			first = false
		}
	}
	return out
}
