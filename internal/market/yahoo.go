package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dshills/marketgraph/internal/cache"
)

// DefaultYahooURL is the Yahoo Finance chart API root.
const DefaultYahooURL = "https://query1.finance.yahoo.com"

// Bar is one OHLCV candle.
type Bar struct {
	Time   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// PriceSource returns candles for a ticker between start (inclusive) and
// end (exclusive) at interval, oldest first.
type PriceSource interface {
	Bars(ctx context.Context, ticker string, start, end time.Time, interval string) ([]Bar, error)
}

// Intervals lists the bar sizes the chart API accepts.
var Intervals = []string{"1m", "2m", "5m", "15m", "30m", "60m", "90m", "1h", "1d", "5d", "1wk", "1mo", "3mo"}

// YahooClient reads the public Yahoo Finance chart API.
type YahooClient struct {
	baseURL string
	fetch   fetcher
}

// NewYahooClient returns a client for baseURL (DefaultYahooURL when
// empty). Responses are cached in c for ttl.
func NewYahooClient(baseURL string, client *http.Client, c cache.Cache, ttl time.Duration) *YahooClient {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	f := newFetcher("yahoo", client, c, ttl)
	f.userAgent = "Mozilla/5.0 (compatible; marketgraph)"
	return &YahooClient{baseURL: strings.TrimRight(baseURL, "/"), fetch: f}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Bars implements PriceSource. Candles with a missing close are skipped.
func (y *YahooClient) Bars(ctx context.Context, ticker string, start, end time.Time, interval string) ([]Bar, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, errors.New("ticker is required")
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end %s is not after start %s", end.Format(DateLayout), start.Format(DateLayout))
	}
	if interval == "" {
		interval = "1d"
	}

	u, err := url.Parse(y.baseURL + "/v8/finance/chart/" + url.PathEscape(ticker))
	if err != nil {
		return nil, fmt.Errorf("yahoo: %w", err)
	}
	q := u.Query()
	q.Set("period1", fmt.Sprint(start.Unix()))
	q.Set("period2", fmt.Sprint(end.Unix()))
	q.Set("interval", interval)
	q.Set("events", "history")
	u.RawQuery = q.Encode()

	var resp chartResponse
	if err := y.fetch.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	if e := resp.Chart.Error; e != nil {
		return nil, fmt.Errorf("yahoo: %s: %s", e.Code, e.Description)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo: no data for %s", ticker)
	}

	res := resp.Chart.Result[0]
	quote := res.Indicators.Quote[0]
	bars := make([]Bar, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		c := at(quote.Close, i)
		if c == nil {
			continue
		}
		bar := Bar{Time: time.Unix(ts, 0).UTC(), Close: *c}
		if v := at(quote.Open, i); v != nil {
			bar.Open = *v
		}
		if v := at(quote.High, i); v != nil {
			bar.High = *v
		}
		if v := at(quote.Low, i); v != nil {
			bar.Low = *v
		}
		if v := at(quote.Volume, i); v != nil {
			bar.Volume = *v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func at[T any](s []*T, i int) *T {
	if i < len(s) {
		return s[i]
	}
	return nil
}
