package indicators_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/rl-trader/internal/indicators"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

func makeBars(n int, start float64, drift float64) []types.Bar {
	bars := make([]types.Bar, n)
	price := start
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		change := drift + 0.01*math.Sin(float64(i)/7)
		open := price
		price = price * (1 + change)
		high := math.Max(open, price) * 1.005
		low := math.Min(open, price) * 0.995
		bars[i] = types.Bar{
			Timestamp: base.AddDate(0, 0, i),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    1_000_000 + float64(i%50)*10_000,
		}
	}
	return bars
}

func TestComputeProducesFeatureColumns(t *testing.T) {
	frame, err := indicators.Compute(makeBars(300, 100, 0.001))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	for _, col := range indicators.FeatureColumns {
		if !frame.Has(col) {
			t.Errorf("Missing feature column %s", col)
		}
	}
	for _, col := range []string{"momentum_5", "momentum_10", "momentum_20", "volume_sma", "volume_ratio", "gap"} {
		if !frame.Has(col) {
			t.Errorf("Missing auxiliary column %s", col)
		}
	}
	if frame.NumFeatures() != len(indicators.FeatureColumns) {
		t.Errorf("NumFeatures = %d, want %d", frame.NumFeatures(), len(indicators.FeatureColumns))
	}
}

func TestComputeFillsAllValues(t *testing.T) {
	frame, err := indicators.Compute(makeBars(250, 50, 0.0005))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	for _, col := range frame.Columns() {
		values := frame.Column(col)
		if len(values) != frame.Len() {
			t.Fatalf("Column %s has %d rows, want %d", col, len(values), frame.Len())
		}
		for i, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("Column %s row %d is not finite: %v", col, i, v)
			}
		}
	}
}

func TestBollingerBandOrdering(t *testing.T) {
	frame, err := indicators.Compute(makeBars(300, 100, 0.001))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	upper := frame.Column("bb_upper")
	middle := frame.Column("bb_middle")
	lower := frame.Column("bb_lower")
	for i := 30; i < frame.Len(); i++ {
		if upper[i] < middle[i] || middle[i] < lower[i] {
			t.Fatalf("Band ordering violated at row %d: %v %v %v", i, upper[i], middle[i], lower[i])
		}
	}
}

func TestRSIBounds(t *testing.T) {
	frame, err := indicators.Compute(makeBars(200, 100, 0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	for i, v := range frame.Column("rsi") {
		if v < 0 || v > 100 {
			t.Fatalf("RSI out of bounds at row %d: %v", i, v)
		}
	}
}

func TestFeatureMatrixShape(t *testing.T) {
	frame, err := indicators.Compute(makeBars(300, 100, 0.001))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	rows, nf, err := frame.FeatureMatrix(40, 100)
	if err != nil {
		t.Fatalf("FeatureMatrix failed: %v", err)
	}
	if len(rows) != 60 {
		t.Errorf("Got %d rows, want 60", len(rows))
	}
	if nf != len(indicators.FeatureColumns) {
		t.Errorf("Got %d features, want %d", nf, len(indicators.FeatureColumns))
	}

	if _, _, err := frame.FeatureMatrix(250, 350); err == nil {
		t.Error("Expected error for out-of-range window")
	}
}

func TestSlicePreservesColumns(t *testing.T) {
	frame, err := indicators.Compute(makeBars(300, 100, 0.001))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	sliced := frame.Slice(100, 200)
	if sliced.Len() != 100 {
		t.Fatalf("Slice length = %d, want 100", sliced.Len())
	}
	if sliced.At(0, "close") != frame.At(100, "close") {
		t.Error("Slice does not align with parent frame")
	}

	// Mutating the slice must not touch the parent.
	sliced.Column("close")[0] = -1
	if frame.At(100, "close") == -1 {
		t.Error("Slice shares backing storage with parent")
	}
}

func TestComputeSortsBars(t *testing.T) {
	bars := makeBars(150, 100, 0.001)
	// Reverse the order; Compute must restore chronology.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	frame, err := indicators.Compute(bars)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	for i := 1; i < frame.Len(); i++ {
		if frame.Bars[i].Timestamp.Before(frame.Bars[i-1].Timestamp) {
			t.Fatal("Bars are not sorted by timestamp")
		}
	}
}

func TestComputeRejectsEmptyInput(t *testing.T) {
	if _, err := indicators.Compute(nil); err == nil {
		t.Error("Expected error for empty input")
	}
}
