// Package mlservice provides the client for the external price-forecast
// service. The core consumes only the scalar prediction and confidence.
package mlservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// Client calls the forecast endpoint of the ML service.
type Client struct {
	logger  *zap.Logger
	baseURL string
	http    *http.Client
}

// NewClient creates an ML-service client with the standard timeout.
func NewClient(logger *zap.Logger, baseURL string) *Client {
	return &Client{
		logger:  logger.Named("ml-client"),
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Prediction is the forecast service's answer for one symbol.
type Prediction struct {
	Prediction float64 `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
}

type predictRequest struct {
	Symbol string      `json:"symbol"`
	Prices []pricePoint `json:"prices"`
}

type pricePoint struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Predict sends the last 100 bars and returns the price forecast.
func (c *Client) Predict(ctx context.Context, symbol string, bars []types.Bar) (*Prediction, error) {
	if len(bars) > 100 {
		bars = bars[len(bars)-100:]
	}
	points := make([]pricePoint, len(bars))
	for i, b := range bars {
		points[i] = pricePoint{
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}

	encoded, err := json.Marshal(predictRequest{Symbol: symbol, Prices: points})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/ml/predict", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ml service returned status %d", resp.StatusCode)
	}

	var prediction Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return nil, err
	}
	return &prediction, nil
}
