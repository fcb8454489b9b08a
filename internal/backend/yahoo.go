package backend

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// chartResponse is the conventional nested Yahoo chart shape relayed by the
// backend: chart.result[0].{meta, timestamp, indicators.quote[0]}.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol              string  `json:"symbol"`
				RegularMarketPrice  float64 `json:"regularMarketPrice"`
				ExchangeTimezoneName string `json:"exchangeTimezoneName"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error any `json:"error"`
	} `json:"chart"`
}

// bars converts the chart payload into clean OHLCV bars. Rows with null
// open or close are dropped; missing volume reads as zero.
func (r *chartResponse) bars() ([]types.Bar, error) {
	if len(r.Chart.Result) == 0 {
		return nil, fmt.Errorf("empty chart result")
	}
	result := r.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("chart result has no quote data")
	}
	quote := result.Indicators.Quote[0]

	at := func(xs []*float64, i int) (float64, bool) {
		if i >= len(xs) || xs[i] == nil {
			return 0, false
		}
		return *xs[i], true
	}

	bars := make([]types.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		open, okOpen := at(quote.Open, i)
		closePrice, okClose := at(quote.Close, i)
		if !okOpen || !okClose {
			continue
		}
		high, _ := at(quote.High, i)
		low, _ := at(quote.Low, i)
		volume, _ := at(quote.Volume, i)
		bars = append(bars, types.Bar{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		})
	}
	return bars, nil
}
