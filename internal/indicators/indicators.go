package indicators

import (
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// Compute calculates the full indicator set over time-sorted bars and returns
// the filled feature frame. Bars are sorted by timestamp if needed.
func Compute(bars []types.Bar) (*Frame, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars provided")
	}

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	n := len(sorted)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range sorted {
		opens[i] = b.Open
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
		volumes[i] = b.Volume
	}

	f := NewFrame(sorted)
	f.Set("open", opens)
	f.Set("high", highs)
	f.Set("low", lows)
	f.Set("close", closes)
	f.Set("volume", volumes)

	// Returns
	returns := pctChange(closes, 1)
	logReturns := make([]float64, n)
	logReturns[0] = math.NaN()
	for i := 1; i < n; i++ {
		if closes[i-1] > 0 {
			logReturns[i] = math.Log(closes[i] / closes[i-1])
		} else {
			logReturns[i] = math.NaN()
		}
	}
	f.Set("returns", returns)
	f.Set("log_returns", logReturns)

	// Moving averages
	f.Set("sma_20", maskWarmup(talib.Sma(closes, 20), 19))
	sma50 := maskWarmup(talib.Sma(closes, 50), 49)
	f.Set("sma_50", sma50)
	f.Set("sma_200", maskWarmup(talib.Sma(closes, 200), 199))
	f.Set("ema_12", maskWarmup(talib.Ema(closes, 12), 11))
	f.Set("ema_26", maskWarmup(talib.Ema(closes, 26), 25))

	// RSI and its smoothing
	rsi := maskWarmup(talib.Rsi(closes, 14), 14)
	f.Set("rsi", rsi)
	f.Set("rsi_signal", maskWarmup(rollingMean(rsi, 9), 22))

	// MACD
	macd, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)
	f.Set("macd", maskWarmup(macd, 33))
	f.Set("macd_signal", maskWarmup(macdSignal, 33))
	f.Set("macd_hist", maskWarmup(macdHist, 33))

	// Bollinger bands
	bbUpper, bbMiddle, bbLower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	bbUpper = maskWarmup(bbUpper, 19)
	bbMiddle = maskWarmup(bbMiddle, 19)
	bbLower = maskWarmup(bbLower, 19)
	bbWidth := make([]float64, n)
	bbPct := make([]float64, n)
	for i := 0; i < n; i++ {
		if bbMiddle[i] != 0 && !math.IsNaN(bbMiddle[i]) {
			bbWidth[i] = (bbUpper[i] - bbLower[i]) / bbMiddle[i]
		} else {
			bbWidth[i] = math.NaN()
		}
		if span := bbUpper[i] - bbLower[i]; span != 0 && !math.IsNaN(span) {
			bbPct[i] = (closes[i] - bbLower[i]) / span
		} else {
			bbPct[i] = math.NaN()
		}
	}
	f.Set("bb_upper", bbUpper)
	f.Set("bb_middle", bbMiddle)
	f.Set("bb_lower", bbLower)
	f.Set("bb_width", bbWidth)
	f.Set("bb_pct", bbPct)

	// ATR
	atr := maskWarmup(talib.Atr(highs, lows, closes, 14), 14)
	atrPct := make([]float64, n)
	for i := 0; i < n; i++ {
		if closes[i] > 0 {
			atrPct[i] = atr[i] / closes[i] * 100
		} else {
			atrPct[i] = math.NaN()
		}
	}
	f.Set("atr", atr)
	f.Set("atr_pct", atrPct)

	// On-balance volume
	obv := talib.Obv(closes, volumes)
	f.Set("obv", obv)
	f.Set("obv_ema", maskWarmup(talib.Ema(obv, 20), 19))

	// ADX with directional indicators
	adx := maskWarmup(talib.Adx(highs, lows, closes, 14), 27)
	f.Set("adx", adx)
	f.Set("plus_di", maskWarmup(talib.PlusDI(highs, lows, closes, 14), 14))
	f.Set("minus_di", maskWarmup(talib.MinusDI(highs, lows, closes, 14), 14))

	// Stochastic oscillator
	stochK, stochD := talib.Stoch(highs, lows, closes, 14, 3, talib.SMA, 3, talib.SMA)
	f.Set("stoch_k", maskWarmup(stochK, 17))
	f.Set("stoch_d", maskWarmup(stochD, 17))

	// CCI and MFI
	f.Set("cci", maskWarmup(talib.Cci(highs, lows, closes, 20), 19))
	f.Set("mfi", maskWarmup(talib.Mfi(highs, lows, closes, volumes, 14), 14))

	// Annualised rolling volatility of returns
	vol := rollingStd(returns, 20)
	for i := range vol {
		vol[i] *= math.Sqrt(252)
	}
	f.Set("volatility", vol)

	// Trend strength: ADX magnitude signed by price position vs SMA(50)
	trend := make([]float64, n)
	for i := 0; i < n; i++ {
		trend[i] = adx[i] / 100
		if !math.IsNaN(sma50[i]) && closes[i] < sma50[i] {
			trend[i] = -trend[i]
		}
	}
	f.Set("trend_strength", trend)

	// Momentum over several lookbacks
	f.Set("momentum_5", pctChange(closes, 5))
	f.Set("momentum_10", pctChange(closes, 10))
	f.Set("momentum_20", pctChange(closes, 20))

	// Volume context
	volSMA := maskWarmup(talib.Sma(volumes, 20), 19)
	volRatio := make([]float64, n)
	for i := 0; i < n; i++ {
		if volSMA[i] > 0 {
			volRatio[i] = volumes[i] / volSMA[i]
		} else {
			volRatio[i] = math.NaN()
		}
	}
	f.Set("volume_sma", volSMA)
	f.Set("volume_ratio", volRatio)

	// Overnight gap
	gap := make([]float64, n)
	gap[0] = math.NaN()
	for i := 1; i < n; i++ {
		if closes[i-1] > 0 {
			gap[i] = (opens[i] - closes[i-1]) / closes[i-1]
		} else {
			gap[i] = math.NaN()
		}
	}
	f.Set("gap", gap)

	f.fill()
	return f, nil
}

// pctChange computes x[i]/x[i-lag] - 1 with NaN warm-up.
func pctChange(xs []float64, lag int) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		if i < lag || xs[i-lag] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = xs[i]/xs[i-lag] - 1
	}
	return out
}

// rollingMean computes a simple rolling mean skipping NaN warm-ups.
func rollingMean(xs []float64, window int) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		if i < window-1 {
			out[i] = math.NaN()
			continue
		}
		sum, count := 0.0, 0
		for j := i - window + 1; j <= i; j++ {
			if !math.IsNaN(xs[j]) {
				sum += xs[j]
				count++
			}
		}
		if count == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(count)
		}
	}
	return out
}

// rollingStd computes the rolling population standard deviation.
func rollingStd(xs []float64, window int) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		if i < window-1 {
			out[i] = math.NaN()
			continue
		}
		sum, count := 0.0, 0
		for j := i - window + 1; j <= i; j++ {
			if !math.IsNaN(xs[j]) {
				sum += xs[j]
				count++
			}
		}
		if count == 0 {
			out[i] = math.NaN()
			continue
		}
		mean := sum / float64(count)
		ss := 0.0
		for j := i - window + 1; j <= i; j++ {
			if !math.IsNaN(xs[j]) {
				d := xs[j] - mean
				ss += d * d
			}
		}
		out[i] = math.Sqrt(ss / float64(count))
	}
	return out
}

// maskWarmup marks the first warmup values as NaN so the frame fill pass can
// back-fill them the same way the rest of the pipeline does.
func maskWarmup(xs []float64, warmup int) []float64 {
	for i := 0; i < warmup && i < len(xs); i++ {
		xs[i] = math.NaN()
	}
	return xs
}
