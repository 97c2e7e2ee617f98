package market

import "math"

// Indicator window sizes.
const (
	shortMAWindow   = 50
	longMAWindow    = 200
	rsiWindow       = 14
	macdFastSpan    = 12
	macdSlowSpan    = 26
	macdSignalSpan  = 9
	bollingerWindow = 20
	bollingerWidth  = 2.0
	stochWindow     = 14
	stochSmooth     = 3
)

// Indicators holds per-bar indicator series aligned with the input bars.
// A value is NaN until its window has filled.
type Indicators struct {
	MA50     []float64
	MA200    []float64
	RSI      []float64
	MACD     []float64
	Signal   []float64
	BBMiddle []float64
	BBUpper  []float64
	BBLower  []float64
	StochK   []float64
	StochD   []float64
}

// ComputeIndicators derives every indicator series from bars.
func ComputeIndicators(bars []Bar) Indicators {
	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	ind := Indicators{
		MA50:     SMA(closes, shortMAWindow),
		MA200:    SMA(closes, longMAWindow),
		RSI:      RSI(closes, rsiWindow),
		BBMiddle: SMA(closes, bollingerWindow),
	}
	ind.MACD, ind.Signal = MACD(closes, macdFastSpan, macdSlowSpan, macdSignalSpan)

	sd := RollingStd(closes, bollingerWindow)
	ind.BBUpper = make([]float64, len(closes))
	ind.BBLower = make([]float64, len(closes))
	for i := range closes {
		ind.BBUpper[i] = ind.BBMiddle[i] + bollingerWidth*sd[i]
		ind.BBLower[i] = ind.BBMiddle[i] - bollingerWidth*sd[i]
	}

	ind.StochK, ind.StochD = Stochastic(highs, lows, closes, stochWindow, stochSmooth)
	return ind
}

// SMA is the simple moving average over window. Any NaN inside a window
// makes that output NaN.
func SMA(xs []float64, window int) []float64 {
	out := nans(len(xs))
	if window <= 0 {
		return out
	}
	for i := window - 1; i < len(xs); i++ {
		sum := 0.0
		for _, x := range xs[i-window+1 : i+1] {
			sum += x
		}
		out[i] = sum / float64(window)
	}
	return out
}

// RollingStd is the sample standard deviation over window.
func RollingStd(xs []float64, window int) []float64 {
	out := nans(len(xs))
	if window < 2 {
		return out
	}
	mean := SMA(xs, window)
	for i := window - 1; i < len(xs); i++ {
		ss := 0.0
		for _, x := range xs[i-window+1 : i+1] {
			d := x - mean[i]
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(window-1))
	}
	return out
}

// EMA is the exponential moving average with smoothing 2/(span+1), seeded
// with the first value.
func EMA(xs []float64, span int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	alpha := 2 / (float64(span) + 1)
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = alpha*xs[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI is the relative strength index using simple averages of gains and
// losses over window. A window with no losses reads 100; a flat window is
// NaN.
func RSI(closes []float64, window int) []float64 {
	out := nans(len(closes))
	if len(closes) <= window || window <= 0 {
		return out
	}
	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	gains[0], losses[0] = math.NaN(), math.NaN()
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}
	avgGain := SMA(gains, window)
	avgLoss := SMA(losses, window)
	for i := window; i < len(closes); i++ {
		g, l := avgGain[i], avgLoss[i]
		switch {
		case l == 0 && g == 0:
			out[i] = math.NaN()
		case l == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}

// MACD returns the fast-minus-slow EMA line and its signal EMA.
func MACD(closes []float64, fast, slow, signal int) (line, sig []float64) {
	f := EMA(closes, fast)
	s := EMA(closes, slow)
	line = make([]float64, len(closes))
	for i := range closes {
		line[i] = f[i] - s[i]
	}
	return line, EMA(line, signal)
}

// Stochastic returns %K over window and %D, its smooth-bar mean. %K is NaN
// when the window's high equals its low.
func Stochastic(highs, lows, closes []float64, window, smooth int) (k, d []float64) {
	k = nans(len(closes))
	for i := window - 1; i < len(closes) && window > 0; i++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for j := i - window + 1; j <= i; j++ {
			lo = math.Min(lo, lows[j])
			hi = math.Max(hi, highs[j])
		}
		if hi > lo {
			k[i] = (closes[i] - lo) / (hi - lo) * 100
		}
	}
	return k, SMA(k, smooth)
}

func nans(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
