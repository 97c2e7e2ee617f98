package market

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dshills/marketgraph/graph/tool"
)

// DateLayout is the date format tool arguments use.
const DateLayout = "2006-01-02"

// indicatorRecords caps how many trailing rows the indicator tool returns.
const indicatorRecords = 30

// Tool names.
const (
	ToolHistoricalPrices = "get_historical_prices"
	ToolVolumeData       = "get_volume_data"
	ToolIntradayData     = "get_intraday_data"
	ToolIndicators       = "calculate_technical_indicators"
	ToolFundamentals     = "get_fundamental_metrics"
	ToolTrendingTickers  = "get_trending_tickers"
)

func priceSchema(defaultInterval string) tool.Schema {
	return tool.Schema{
		Properties: map[string]tool.Property{
			"ticker":     {Type: "string", Description: "Stock symbol, e.g. AAPL"},
			"start_date": {Type: "string", Description: "Start date (YYYY-MM-DD)"},
			"end_date":   {Type: "string", Description: "End date (YYYY-MM-DD), exclusive"},
			"interval":   {Type: "string", Description: "Bar size", Enum: Intervals, Default: defaultInterval},
		},
		Required: []string{"ticker", "start_date", "end_date"},
	}
}

type priceArgs struct {
	ticker     string
	start, end time.Time
	interval   string
}

func parsePriceArgs(input map[string]interface{}) (priceArgs, error) {
	var a priceArgs
	a.ticker, _ = input["ticker"].(string)
	a.ticker = strings.ToUpper(strings.TrimSpace(a.ticker))
	if a.ticker == "" {
		return a, fmt.Errorf("ticker is required")
	}
	var err error
	if a.start, err = parseDate(input, "start_date"); err != nil {
		return a, err
	}
	if a.end, err = parseDate(input, "end_date"); err != nil {
		return a, err
	}
	if !a.end.After(a.start) {
		return a, fmt.Errorf("end_date must be after start_date")
	}
	a.interval, _ = input["interval"].(string)
	return a, nil
}

func parseDate(input map[string]interface{}, key string) (time.Time, error) {
	s, _ := input[key].(string)
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD: %q", key, s)
	}
	return t, nil
}

// HistoricalPricesTool returns OHLCV candles.
func HistoricalPricesTool(src PriceSource) tool.Tool {
	return tool.New(ToolHistoricalPrices,
		"Fetch historical OHLC price and volume data for a stock.",
		priceSchema("1d"), barsTool(src, barRecord))
}

// IntradayDataTool returns intraday OHLCV candles.
func IntradayDataTool(src PriceSource) tool.Tool {
	return tool.New(ToolIntradayData,
		"Fetch intraday price and volume data for a stock.",
		priceSchema("5m"), barsTool(src, barRecord))
}

// VolumeDataTool returns date and volume pairs.
func VolumeDataTool(src PriceSource) tool.Tool {
	return tool.New(ToolVolumeData,
		"Fetch trading volume data for a stock.",
		priceSchema("1d"), barsTool(src, func(b Bar) map[string]interface{} {
			return map[string]interface{}{"date": b.Time.Format(time.RFC3339), "volume": b.Volume}
		}))
}

func barsTool(src PriceSource, render func(Bar) map[string]interface{}) tool.CallFunc {
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		a, err := parsePriceArgs(input)
		if err != nil {
			return nil, err
		}
		bars, err := src.Bars(ctx, a.ticker, a.start, a.end, a.interval)
		if err != nil {
			return nil, err
		}
		records := make([]map[string]interface{}, len(bars))
		for i, b := range bars {
			records[i] = render(b)
		}
		return map[string]interface{}{
			"ticker":   a.ticker,
			"interval": a.interval,
			"records":  records,
		}, nil
	}
}

func barRecord(b Bar) map[string]interface{} {
	return map[string]interface{}{
		"date":   b.Time.Format(time.RFC3339),
		"open":   b.Open,
		"high":   b.High,
		"low":    b.Low,
		"close":  b.Close,
		"volume": b.Volume,
	}
}

// IndicatorsTool computes technical indicators over daily candles. It
// returns the latest values plus the trailing rows.
func IndicatorsTool(src PriceSource) tool.Tool {
	schema := tool.Schema{
		Properties: map[string]tool.Property{
			"ticker":     {Type: "string", Description: "Stock symbol, e.g. AAPL"},
			"start_date": {Type: "string", Description: "Start date (YYYY-MM-DD); allow 200+ trading days for MA200"},
			"end_date":   {Type: "string", Description: "End date (YYYY-MM-DD), exclusive"},
		},
		Required: []string{"ticker", "start_date", "end_date"},
	}
	return tool.New(ToolIndicators,
		"Calculate MA50, MA200, RSI(14), MACD(12,26) with signal(9), Bollinger Bands(20, 2σ) and Stochastic %K(14)/%D(3) for a stock.",
		schema, func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			a, err := parsePriceArgs(input)
			if err != nil {
				return nil, err
			}
			bars, err := src.Bars(ctx, a.ticker, a.start, a.end, "1d")
			if err != nil {
				return nil, err
			}
			if len(bars) == 0 {
				return nil, fmt.Errorf("no price data for %s", a.ticker)
			}

			ind := ComputeIndicators(bars)
			from := len(bars) - indicatorRecords
			if from < 0 {
				from = 0
			}
			records := make([]map[string]interface{}, 0, len(bars)-from)
			for i := from; i < len(bars); i++ {
				records = append(records, indicatorRow(bars, ind, i))
			}
			return map[string]interface{}{
				"ticker":  a.ticker,
				"bars":    len(bars),
				"latest":  records[len(records)-1],
				"records": records,
			}, nil
		})
}

func indicatorRow(bars []Bar, ind Indicators, i int) map[string]interface{} {
	return map[string]interface{}{
		"date":        bars[i].Time.Format(DateLayout),
		"close":       bars[i].Close,
		"ma_50":       finite(ind.MA50[i]),
		"ma_200":      finite(ind.MA200[i]),
		"rsi":         finite(ind.RSI[i]),
		"macd":        finite(ind.MACD[i]),
		"signal_line": finite(ind.Signal[i]),
		"bb_middle":   finite(ind.BBMiddle[i]),
		"bb_upper":    finite(ind.BBUpper[i]),
		"bb_lower":    finite(ind.BBLower[i]),
		"stoch_k":     finite(ind.StochK[i]),
		"stoch_d":     finite(ind.StochD[i]),
	}
}

// finite maps NaN and ±Inf to nil so results encode as JSON null.
func finite(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// FundamentalsTool returns the fundamental metrics for a ticker.
func FundamentalsTool(src FundamentalSource) tool.Tool {
	schema := tool.Schema{
		Properties: map[string]tool.Property{
			"ticker": {Type: "string", Description: "Stock symbol, e.g. AAPL"},
		},
		Required: []string{"ticker"},
	}
	return tool.New(ToolFundamentals,
		"Fetch fundamental metrics (EPS, P/E, P/B, PEG, revenue and growth, margins, ROE, ROA, debt to equity, cash flow, dividends) for a stock.",
		schema, func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			ticker, _ := input["ticker"].(string)
			ticker = strings.ToUpper(strings.TrimSpace(ticker))
			if ticker == "" {
				return nil, fmt.Errorf("ticker is required")
			}
			m, err := src.Fundamentals(ctx, ticker)
			if err != nil {
				return nil, err
			}
			metrics := make(map[string]interface{}, len(MetricNames))
			for _, name := range MetricNames {
				if v, ok := m[name]; ok {
					metrics[name] = v
				} else {
					metrics[name] = nil
				}
			}
			return map[string]interface{}{"ticker": ticker, "metrics": metrics}, nil
		})
}

// TrendingTickersTool lists index members to consider.
func TrendingTickersTool(src UniverseSource) tool.Tool {
	schema := tool.Schema{
		Properties: map[string]tool.Property{
			"n": {Type: "integer", Description: "How many tickers to return", Default: 30},
		},
	}
	return tool.New(ToolTrendingTickers,
		"List S&P 500 tickers to consider for analysis.",
		schema, func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			n := 30
			switch v := input["n"].(type) {
			case int:
				n = v
			case float64:
				n = int(v)
			}
			if n <= 0 {
				return nil, fmt.Errorf("n must be positive, got %d", n)
			}
			tickers, err := TrendingTickers(ctx, src, n)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"tickers": tickers}, nil
		})
}

// TechnicalTools returns the tools bound to the technical analyst.
func TechnicalTools(src PriceSource) []tool.Tool {
	return []tool.Tool{
		IndicatorsTool(src),
		HistoricalPricesTool(src),
		IntradayDataTool(src),
		VolumeDataTool(src),
	}
}

// Sources bundles the providers behind the tools. Nil sources leave
// their tools unregistered.
type Sources struct {
	Prices       PriceSource
	Fundamentals FundamentalSource
	Universe     UniverseSource
}

// NewRegistry returns a registry holding every tool whose source is set,
// technical tools first.
func NewRegistry(src Sources) (*tool.Registry, error) {
	var tools []tool.Tool
	if src.Prices != nil {
		tools = append(tools, TechnicalTools(src.Prices)...)
	}
	if src.Fundamentals != nil {
		tools = append(tools, FundamentalsTool(src.Fundamentals))
	}
	if src.Universe != nil {
		tools = append(tools, TrendingTickersTool(src.Universe))
	}
	return tool.NewRegistry(tools...)
}
