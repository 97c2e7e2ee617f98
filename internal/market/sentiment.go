package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/dshills/marketgraph/graph/model"
)

// Sentiment is a positive/negative/neutral breakdown summing to 1.
type Sentiment struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
}

// NeutralSentiment is reported when there is nothing to analyze or the
// model's answer cannot be used.
var NeutralSentiment = Sentiment{Neutral: 1}

// Research is the result of one sentiment pass over the market.
type Research struct {
	TopGainers []string  `json:"top_gainers"`
	Headlines  []Article `json:"headlines"`
	Sentiment  Sentiment `json:"sentiment"`
}

// SentimentResearcher gathers top gainers and business headlines and asks
// the model to score the headlines.
type SentimentResearcher struct {
	Universe UniverseSource
	News     NewsSource
	Chat     model.ChatModel
	Limit    int
	Logger   *slog.Logger
}

// Research never fails: upstream errors are logged and leave the matching
// field empty, and the sentiment falls back to NeutralSentiment.
func (s *SentimentResearcher) Research(ctx context.Context) Research {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := s.Limit
	if limit <= 0 {
		limit = 5
	}

	res := Research{TopGainers: []string{}, Headlines: []Article{}, Sentiment: NeutralSentiment}
	if s.Universe != nil {
		gainers, err := s.Universe.Gainers(ctx, limit)
		if err != nil {
			logger.Warn("fetch top gainers", "error", err)
		} else {
			res.TopGainers = gainers
		}
	}
	if s.News != nil {
		headlines, err := s.News.Headlines(ctx, limit)
		if err != nil {
			logger.Warn("fetch headlines", "error", err)
		} else {
			res.Headlines = headlines
		}
	}

	if len(res.Headlines) == 0 || s.Chat == nil {
		return res
	}
	sentiment, err := s.score(ctx, res.Headlines)
	if err != nil {
		logger.Warn("score sentiment", "error", err)
		return res
	}
	res.Sentiment = sentiment
	return res
}

func (s *SentimentResearcher) score(ctx context.Context, headlines []Article) (Sentiment, error) {
	var b strings.Builder
	b.WriteString("Analyze the sentiment of the following financial news headlines. ")
	b.WriteString("Provide fractions for positive, negative and neutral sentiment:\n\n")
	for _, a := range headlines {
		b.WriteString("- ")
		b.WriteString(a.Title)
		if a.Description != "" {
			b.WriteString(": ")
			b.WriteString(a.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nRespond strictly in JSON like {\"positive\": 0.7, \"negative\": 0.2, \"neutral\": 0.1}")

	out, err := s.Chat.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: b.String()}}, nil)
	if err != nil {
		return Sentiment{}, err
	}
	return ParseSentiment(out.Text)
}

// ParseSentiment decodes a model answer, repairing malformed JSON and
// rescaling the three values to sum to 1.
func ParseSentiment(text string) (Sentiment, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return Sentiment{}, fmt.Errorf("no JSON object in response")
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Sentiment{}, fmt.Errorf("repair sentiment: %w", err)
	}
	var sent Sentiment
	if err := json.Unmarshal([]byte(repaired), &sent); err != nil {
		return Sentiment{}, fmt.Errorf("decode sentiment: %w", err)
	}
	for _, v := range []float64{sent.Positive, sent.Negative, sent.Neutral} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Sentiment{}, fmt.Errorf("sentiment value out of range: %v", v)
		}
	}
	sum := sent.Positive + sent.Negative + sent.Neutral
	if sum == 0 {
		return Sentiment{}, fmt.Errorf("sentiment values are all zero")
	}
	return Sentiment{
		Positive: sent.Positive / sum,
		Negative: sent.Negative / sum,
		Neutral:  sent.Neutral / sum,
	}, nil
}
