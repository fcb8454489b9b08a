// Package backend provides the HTTP client for the trading backend:
// trader lifecycle state, portfolios, decision logging, trade execution,
// Yahoo chart data and sentiment.
package backend

import "encoding/json"

// TraderSummary is one row of the backend's trader listing. The personality
// tree carries the nested runtime configuration and is translated by the
// scheduler's config adapter.
type TraderSummary struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Personality json.RawMessage `json:"personality"`
}

// ExecuteRequest asks the backend to execute a trade.
type ExecuteRequest struct {
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Quantity   int64    `json:"quantity"`
	Price      *float64 `json:"price"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
	Reasoning  string   `json:"reasoning"`
}

// MarkExecutedRequest marks the most recent matching decision as executed.
type MarkExecutedRequest struct {
	Symbol       string `json:"symbol"`
	DecisionType string `json:"decision_type"`
	Timestamp    string `json:"timestamp"`
}

// EventNotification is a trader event posted to the backend.
type EventNotification struct {
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// TrainingHistoryRecord persists one self-training session.
type TrainingHistoryRecord struct {
	AgentName             string         `json:"agent_name"`
	TrainingType          string         `json:"training_type"`
	Status                string         `json:"status"`
	StartedAt             string         `json:"started_at"`
	CompletedAt           string         `json:"completed_at"`
	DurationSeconds       float64        `json:"duration_seconds"`
	TotalTimesteps        int64          `json:"total_timesteps"`
	CumulativeTimesteps   int64          `json:"cumulative_timesteps"`
	TrainingSessions      int            `json:"training_sessions"`
	ContinuedFromPrevious bool           `json:"continued_from_previous"`
	BestReward            *float64       `json:"best_reward"`
	MeanReturnPct         float64        `json:"mean_return_pct"`
	MaxReturnPct          float64        `json:"max_return_pct"`
	MinReturnPct          float64        `json:"min_return_pct"`
	EpisodesCompleted     int64          `json:"episodes_completed"`
	CumulativeEpisodes    int64          `json:"cumulative_episodes"`
	SymbolsTrained        []string       `json:"symbols_trained"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// SentimentResponse is the combined news-sentiment answer for one symbol.
type SentimentResponse struct {
	Sentiment  string   `json:"sentiment"` // positive, negative, neutral
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	NewsCount  int      `json:"news_count"`
	Sources    []string `json:"sources"`
}
