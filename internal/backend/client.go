package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// Client talks to the trading backend. Each trader loop owns its own client
// and closes it on stop.
type Client struct {
	logger  *zap.Logger
	baseURL string

	// chart fetches can span years of data and get a longer deadline.
	http      *http.Client
	chartHTTP *http.Client
}

// NewClient creates a backend client with the standard timeouts.
func NewClient(logger *zap.Logger, baseURL string) *Client {
	return &Client{
		logger:    logger.Named("backend-client"),
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 30 * time.Second},
		chartHTTP: &http.Client{Timeout: 60 * time.Second},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
	c.chartHTTP.CloseIdleConnections()
}

// getJSON issues a GET and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, client *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// sendJSON issues a request with a JSON body and drains the response.
func (c *Client) sendJSON(ctx context.Context, method, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

// ListTraders fetches all traders; status "running" triggers resume on boot.
func (c *Client) ListTraders(ctx context.Context) ([]TraderSummary, error) {
	var traders []TraderSummary
	if err := c.getJSON(ctx, c.http, "/api/ai-traders", &traders); err != nil {
		return nil, err
	}
	return traders, nil
}

// GetPortfolio fetches the current portfolio snapshot for a trader.
func (c *Client) GetPortfolio(ctx context.Context, traderID int) (*types.Portfolio, error) {
	var portfolio types.Portfolio
	path := fmt.Sprintf("/api/ai-traders/%d/portfolio", traderID)
	if err := c.getJSON(ctx, c.http, path, &portfolio); err != nil {
		return nil, err
	}
	if portfolio.Positions == nil {
		portfolio.Positions = make(map[string]*types.Position)
	}
	return &portfolio, nil
}

// LogDecision posts the full decision reasoning tree.
func (c *Client) LogDecision(ctx context.Context, traderID int, decision *types.Decision) error {
	path := fmt.Sprintf("/api/ai-traders/%d/decisions", traderID)
	return c.sendJSON(ctx, http.MethodPost, path, decision)
}

// MarkDecisionExecuted flags the most recent matching decision as executed.
func (c *Client) MarkDecisionExecuted(ctx context.Context, traderID int, decision *types.Decision) error {
	path := fmt.Sprintf("/api/ai-traders/%d/decisions/mark-executed", traderID)
	return c.sendJSON(ctx, http.MethodPatch, path, MarkExecutedRequest{
		Symbol:       decision.Symbol,
		DecisionType: string(decision.DecisionType),
		Timestamp:    decision.Timestamp.Format(time.RFC3339),
	})
}

// Execute requests execution of a trade.
func (c *Client) Execute(ctx context.Context, traderID int, req ExecuteRequest) error {
	path := fmt.Sprintf("/api/ai-traders/%d/execute", traderID)
	return c.sendJSON(ctx, http.MethodPost, path, req)
}

// PostEvent sends an event notification; callers typically swallow errors.
func (c *Client) PostEvent(ctx context.Context, traderID int, event EventNotification) error {
	path := fmt.Sprintf("/api/ai-traders/%d/events", traderID)
	return c.sendJSON(ctx, http.MethodPost, path, event)
}

// PostTrainingHistory persists a training record.
func (c *Client) PostTrainingHistory(ctx context.Context, traderID int, record TrainingHistoryRecord) error {
	path := fmt.Sprintf("/api/ai-traders/%d/training-history", traderID)
	return c.sendJSON(ctx, http.MethodPost, path, record)
}

// GetChart fetches daily OHLCV bars for a symbol over the given period
// (e.g. "5y", "2y", "1y", "1d").
func (c *Client) GetChart(ctx context.Context, symbol, period string) ([]types.Bar, error) {
	path := fmt.Sprintf("/api/yahoo/chart/%s?period=%s&interval=1d",
		url.PathEscape(symbol), url.QueryEscape(period))
	var resp chartResponse
	if err := c.getJSON(ctx, c.chartHTTP, path, &resp); err != nil {
		return nil, err
	}
	return resp.bars()
}

// GetMarketData fetches a year of bars and packages the latest price and
// volume for the signal pipeline. Returns nil when no usable data exists.
func (c *Client) GetMarketData(ctx context.Context, symbol string) (*types.MarketData, error) {
	bars, err := c.GetChart(ctx, symbol, "1y")
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	last := bars[len(bars)-1]
	return &types.MarketData{
		Symbol:       symbol,
		Bars:         bars,
		CurrentPrice: last.Close,
		Volume:       last.Volume,
	}, nil
}

// GetVIXLevel fetches the current VIX index level from the chart endpoint;
// the quote endpoint does not cover index symbols.
func (c *Client) GetVIXLevel(ctx context.Context) (float64, error) {
	path := fmt.Sprintf("/api/yahoo/chart/%s?period=1d&interval=1d", url.PathEscape("^VIX"))
	var resp chartResponse
	if err := c.getJSON(ctx, c.chartHTTP, path, &resp); err != nil {
		return 0, err
	}
	if len(resp.Chart.Result) == 0 {
		return 0, fmt.Errorf("empty VIX chart response")
	}
	return resp.Chart.Result[0].Meta.RegularMarketPrice, nil
}

// GetSentiment fetches the combined news sentiment for a symbol.
func (c *Client) GetSentiment(ctx context.Context, symbol string) (*SentimentResponse, error) {
	var sentiment SentimentResponse
	path := "/api/ml/sentiment/" + url.PathEscape(symbol)
	if err := c.getJSON(ctx, c.http, path, &sentiment); err != nil {
		return nil, err
	}
	return &sentiment, nil
}
