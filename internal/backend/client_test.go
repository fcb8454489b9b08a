package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/backend"
)

const chartPayload = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "AAPL", "regularMarketPrice": 189.5},
      "timestamp": [1700000000, 1700086400, 1700172800, 1700259200],
      "indicators": {
        "quote": [{
          "open":   [100.0, null, 102.0, 103.0],
          "high":   [101.0, 102.5, 103.0, 104.0],
          "low":    [99.0, 100.5, 101.0, 102.0],
          "close":  [100.5, 101.5, null, 103.5],
          "volume": [1000000, 1100000, 1200000, null]
        }]
      }
    }],
    "error": null
  }
}`

func TestGetChartParsesAndSkipsNulls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/yahoo/chart/AAPL" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("period") != "1y" || r.URL.Query().Get("interval") != "1d" {
			t.Errorf("Unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chartPayload))
	}))
	defer server.Close()

	client := backend.NewClient(zap.NewNop(), server.URL)
	defer client.Close()

	bars, err := client.GetChart(context.Background(), "AAPL", "1y")
	if err != nil {
		t.Fatalf("GetChart failed: %v", err)
	}
	// Rows with null open or close are dropped: indices 1 and 2.
	if len(bars) != 2 {
		t.Fatalf("Got %d bars, want 2", len(bars))
	}
	if bars[0].Close != 100.5 || bars[1].Close != 103.5 {
		t.Errorf("Unexpected closes: %v %v", bars[0].Close, bars[1].Close)
	}
	// Null volume reads as zero.
	if bars[1].Volume != 0 {
		t.Errorf("Null volume should be 0, got %v", bars[1].Volume)
	}
}

func TestGetVIXLevel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/yahoo/chart/%5EVIX" && r.URL.Path != "/api/yahoo/chart/^VIX" {
			t.Errorf("Unexpected VIX path %s", r.URL.EscapedPath())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chart":{"result":[{"meta":{"regularMarketPrice":22.4}}]}}`))
	}))
	defer server.Close()

	client := backend.NewClient(zap.NewNop(), server.URL)
	defer client.Close()

	vix, err := client.GetVIXLevel(context.Background())
	if err != nil {
		t.Fatalf("GetVIXLevel failed: %v", err)
	}
	if vix != 22.4 {
		t.Errorf("VIX = %v, want 22.4", vix)
	}
}

func TestGetPortfolioParsesPositions(t *testing.T) {
	payload := `{
	  "cash": 52000.50,
	  "total_value": 98000,
	  "total_invested": 46000,
	  "positions_count": 1,
	  "positions": {
	    "AAPL": {
	      "symbol": "AAPL",
	      "quantity": 100,
	      "side": "short",
	      "entry_price": 180,
	      "current_price": 175,
	      "stop_loss": 189,
	      "take_profit": 162,
	      "opened_at": "2024-07-01T14:30:00Z",
	      "market_value": 17500,
	      "value": 18000
	    }
	  },
	  "daily_pnl": -500,
	  "daily_pnl_pct": -0.5,
	  "max_value": 100000
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ai-traders/7/portfolio" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	defer server.Close()

	client := backend.NewClient(zap.NewNop(), server.URL)
	defer client.Close()

	portfolio, err := client.GetPortfolio(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	pos := portfolio.Positions["AAPL"]
	if pos == nil {
		t.Fatal("Missing AAPL position")
	}
	if !pos.IsShort() {
		t.Error("Side short must be authoritative")
	}
	if pos.Quantity.IntPart() != 100 {
		t.Errorf("Quantity = %v, want 100", pos.Quantity)
	}
	if pos.OpenedAtTime().IsZero() {
		t.Error("opened_at should parse")
	}
	if portfolio.ShortCount() != 1 {
		t.Errorf("ShortCount = %d, want 1", portfolio.ShortCount())
	}
}

func TestExecutePostsPayload(t *testing.T) {
	var got backend.ExecuteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/ai-traders/3/execute" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Decode failed: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := backend.NewClient(zap.NewNop(), server.URL)
	defer client.Close()

	price := 101.5
	err := client.Execute(context.Background(), 3, backend.ExecuteRequest{
		Symbol:   "MSFT",
		Action:   "buy",
		Quantity: 42,
		Price:    &price,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got.Symbol != "MSFT" || got.Quantity != 42 || got.Action != "buy" {
		t.Errorf("Payload mismatch: %+v", got)
	}
}

func TestExecuteErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := backend.NewClient(zap.NewNop(), server.URL)
	defer client.Close()

	if err := client.Execute(context.Background(), 3, backend.ExecuteRequest{Symbol: "MSFT"}); err == nil {
		t.Error("Expected error for non-2xx status")
	}
}

func TestGetSentiment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ml/sentiment/TSLA" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sentiment":"negative","score":0.62,"confidence":0.8,"news_count":12,"sources":["reuters"]}`))
	}))
	defer server.Close()

	client := backend.NewClient(zap.NewNop(), server.URL)
	defer client.Close()

	sentiment, err := client.GetSentiment(context.Background(), "TSLA")
	if err != nil {
		t.Fatalf("GetSentiment failed: %v", err)
	}
	if sentiment.Sentiment != "negative" || sentiment.Score != 0.62 || sentiment.NewsCount != 12 {
		t.Errorf("Unexpected sentiment: %+v", sentiment)
	}
}
