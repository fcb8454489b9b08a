// Package indicators computes the technical feature frame used by the
// trading environment and the signal sources.
package indicators

import (
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// FeatureColumns is the ordered set of columns fed into environment
// observations. Momentum, gap and volume-ratio columns are computed into the
// frame but intentionally excluded here, keeping the observation width stable.
var FeatureColumns = []string{
	"open", "high", "low", "close", "volume",
	"returns", "log_returns",
	"sma_20", "sma_50", "sma_200",
	"ema_12", "ema_26",
	"rsi", "rsi_signal",
	"macd", "macd_signal", "macd_hist",
	"bb_upper", "bb_middle", "bb_lower", "bb_width", "bb_pct",
	"atr", "atr_pct",
	"obv", "obv_ema",
	"adx", "plus_di", "minus_di",
	"stoch_k", "stoch_d",
	"cci",
	"mfi",
	"volatility",
	"trend_strength",
}

// Frame is a column-oriented feature table over a series of bars.
type Frame struct {
	Bars    []types.Bar
	columns map[string][]float64
}

// NewFrame builds an empty frame over bars.
func NewFrame(bars []types.Bar) *Frame {
	return &Frame{Bars: bars, columns: make(map[string][]float64)}
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Bars) }

// Column returns a named series, or nil when absent.
func (f *Frame) Column(name string) []float64 { return f.columns[name] }

// Set stores a named series. The series must match the frame length.
func (f *Frame) Set(name string, values []float64) {
	f.columns[name] = values
}

// Has reports whether the column exists.
func (f *Frame) Has(name string) bool {
	_, ok := f.columns[name]
	return ok
}

// Columns returns the available column names, sorted.
func (f *Frame) Columns() []string {
	names := make([]string, 0, len(f.columns))
	for name := range f.columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// At returns the value of a column at row i, NaN when the column is absent.
func (f *Frame) At(i int, name string) float64 {
	col, ok := f.columns[name]
	if !ok || i < 0 || i >= len(col) {
		return math.NaN()
	}
	return col[i]
}

// Close returns the close series.
func (f *Frame) Close() []float64 { return f.columns["close"] }

// FeatureMatrix extracts rows [start, end) of the feature columns present in
// the frame, in FeatureColumns order. Returns the row-major matrix and the
// number of features.
func (f *Frame) FeatureMatrix(start, end int) ([][]float64, int, error) {
	if start < 0 || end > f.Len() || start >= end {
		return nil, 0, fmt.Errorf("feature window [%d,%d) out of range for %d rows", start, end, f.Len())
	}
	cols := f.presentFeatureColumns()
	rows := make([][]float64, end-start)
	for i := range rows {
		row := make([]float64, len(cols))
		for j, name := range cols {
			row[j] = f.columns[name][start+i]
		}
		rows[i] = row
	}
	return rows, len(cols), nil
}

// NumFeatures returns the count of feature columns present in the frame.
func (f *Frame) NumFeatures() int { return len(f.presentFeatureColumns()) }

func (f *Frame) presentFeatureColumns() []string {
	cols := make([]string, 0, len(FeatureColumns))
	for _, name := range FeatureColumns {
		if f.Has(name) {
			cols = append(cols, name)
		}
	}
	return cols
}

// fill back-fills, then forward-fills, then zero-fills every column in place.
func (f *Frame) fill() {
	for _, col := range f.columns {
		backwardFill(col)
		forwardFill(col)
		for i, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				col[i] = 0
			}
		}
	}
}

func backwardFill(xs []float64) {
	for i := len(xs) - 2; i >= 0; i-- {
		if math.IsNaN(xs[i]) && !math.IsNaN(xs[i+1]) {
			xs[i] = xs[i+1]
		}
	}
}

func forwardFill(xs []float64) {
	for i := 1; i < len(xs); i++ {
		if math.IsNaN(xs[i]) && !math.IsNaN(xs[i-1]) {
			xs[i] = xs[i-1]
		}
	}
}

// Slice returns a view-copy of rows [start, end) across all columns. The
// walk-forward split slices the computed frame rather than recomputing
// indicators per partition.
func (f *Frame) Slice(start, end int) *Frame {
	out := NewFrame(f.Bars[start:end])
	for name, col := range f.columns {
		sliced := make([]float64, end-start)
		copy(sliced, col[start:end])
		out.columns[name] = sliced
	}
	return out
}
