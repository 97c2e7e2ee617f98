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

// DefaultFMPURL is the Financial Modeling Prep API root.
const DefaultFMPURL = "https://financialmodelingprep.com/api/v3"

// ErrMissingAPIKey is returned by providers constructed without credentials.
var ErrMissingAPIKey = errors.New("api key not configured")

// Metrics holds fundamental metrics by name. Absent metrics are missing
// from the map rather than zero.
type Metrics map[string]float64

// Fundamental metric names, in the order they are reported.
const (
	MetricEPS               = "EPS"
	MetricPERatio           = "PE_Ratio"
	MetricPBRatio           = "PB_Ratio"
	MetricPEGRatio          = "PEG_Ratio"
	MetricTotalRevenue      = "Total_Revenue"
	MetricRevenueGrowth     = "Revenue_Growth"
	MetricEPSGrowthYoY      = "EPS_Growth_YoY"
	MetricNetProfitMargin   = "Net_Profit_Margin"
	MetricOperatingMargin   = "Operating_Margin"
	MetricROE               = "ROE"
	MetricROA               = "ROA"
	MetricDebtToEquity      = "Debt_to_Equity"
	MetricOperatingCashFlow = "Operating_Cash_Flow"
	MetricFreeCashFlow      = "Free_Cash_Flow"
	MetricDividendYield     = "Dividend_Yield"
	MetricPayoutRatio       = "Payout_Ratio"
)

// MetricNames lists every fundamental metric in report order.
var MetricNames = []string{
	MetricEPS, MetricPERatio, MetricPBRatio, MetricPEGRatio,
	MetricTotalRevenue, MetricRevenueGrowth, MetricEPSGrowthYoY,
	MetricNetProfitMargin, MetricOperatingMargin, MetricROE, MetricROA,
	MetricDebtToEquity, MetricOperatingCashFlow, MetricFreeCashFlow,
	MetricDividendYield, MetricPayoutRatio,
}

// FundamentalSource returns fundamental metrics for a ticker.
type FundamentalSource interface {
	Fundamentals(ctx context.Context, ticker string) (Metrics, error)
}

// UniverseSource lists candidate tickers.
type UniverseSource interface {
	// Constituents returns index member symbols in provider order.
	Constituents(ctx context.Context) ([]string, error)

	// Gainers returns today's top gaining symbols, best first.
	Gainers(ctx context.Context, limit int) ([]string, error)
}

// FMPClient reads Financial Modeling Prep.
type FMPClient struct {
	baseURL string
	apiKey  string
	fetch   fetcher
}

// NewFMPClient returns a client for baseURL (DefaultFMPURL when empty).
func NewFMPClient(baseURL, apiKey string, client *http.Client, c cache.Cache, ttl time.Duration) *FMPClient {
	if baseURL == "" {
		baseURL = DefaultFMPURL
	}
	f := newFetcher("fmp", client, c, ttl)
	f.secretParam = "apikey"
	return &FMPClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, fetch: f}
}

func (f *FMPClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if f.apiKey == "" {
		return fmt.Errorf("fmp: %w", ErrMissingAPIKey)
	}
	u, err := url.Parse(f.baseURL + path)
	if err != nil {
		return fmt.Errorf("fmp: %w", err)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", f.apiKey)
	u.RawQuery = params.Encode()
	return f.fetch.getJSON(ctx, u, out)
}

type fmpRatios struct {
	PE              *float64 `json:"peRatioTTM"`
	PB              *float64 `json:"priceToBookRatioTTM"`
	PEG             *float64 `json:"pegRatioTTM"`
	NetMargin       *float64 `json:"netProfitMarginTTM"`
	OperatingMargin *float64 `json:"operatingProfitMarginTTM"`
	ROE             *float64 `json:"returnOnEquityTTM"`
	ROA             *float64 `json:"returnOnAssetsTTM"`
	DebtToEquity    *float64 `json:"debtEquityRatioTTM"`
	DividendYield   *float64 `json:"dividendYielTTM"`
	PayoutRatio     *float64 `json:"payoutRatioTTM"`
}

type fmpIncome struct {
	EPS     *float64 `json:"eps"`
	Revenue *float64 `json:"revenue"`
}

type fmpCashFlow struct {
	OperatingCashFlow *float64 `json:"operatingCashFlow"`
	FreeCashFlow      *float64 `json:"freeCashFlow"`
}

// Fundamentals implements FundamentalSource.
//
// Valuation and profitability ratios come from the TTM ratios endpoint;
// EPS, revenue and their growth from the last two annual income
// statements; cash flows from the latest cash-flow statement. A metric is
// omitted when the provider does not report it.
func (f *FMPClient) Fundamentals(ctx context.Context, ticker string) (Metrics, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, errors.New("ticker is required")
	}
	path := url.PathEscape(ticker)

	var ratios []fmpRatios
	if err := f.get(ctx, "/ratios-ttm/"+path, nil, &ratios); err != nil {
		return nil, err
	}
	var income []fmpIncome
	if err := f.get(ctx, "/income-statement/"+path, url.Values{"limit": {"2"}}, &income); err != nil {
		return nil, err
	}
	var cash []fmpCashFlow
	if err := f.get(ctx, "/cash-flow-statement/"+path, url.Values{"limit": {"1"}}, &cash); err != nil {
		return nil, err
	}
	if len(ratios) == 0 && len(income) == 0 && len(cash) == 0 {
		return nil, fmt.Errorf("fmp: no fundamentals for %s", ticker)
	}

	m := Metrics{}
	set := func(name string, v *float64) {
		if v != nil {
			m[name] = *v
		}
	}
	if len(ratios) > 0 {
		r := ratios[0]
		set(MetricPERatio, r.PE)
		set(MetricPBRatio, r.PB)
		set(MetricPEGRatio, r.PEG)
		set(MetricNetProfitMargin, r.NetMargin)
		set(MetricOperatingMargin, r.OperatingMargin)
		set(MetricROE, r.ROE)
		set(MetricROA, r.ROA)
		set(MetricDebtToEquity, r.DebtToEquity)
		set(MetricDividendYield, r.DividendYield)
		set(MetricPayoutRatio, r.PayoutRatio)
	}
	if len(income) > 0 {
		set(MetricEPS, income[0].EPS)
		set(MetricTotalRevenue, income[0].Revenue)
	}
	if len(income) > 1 {
		if g, ok := growth(income[0].EPS, income[1].EPS); ok {
			m[MetricEPSGrowthYoY] = g
		}
		if g, ok := growth(income[0].Revenue, income[1].Revenue); ok {
			m[MetricRevenueGrowth] = g
		}
	}
	if len(cash) > 0 {
		set(MetricOperatingCashFlow, cash[0].OperatingCashFlow)
		set(MetricFreeCashFlow, cash[0].FreeCashFlow)
	}
	return m, nil
}

func growth(latest, previous *float64) (float64, bool) {
	if latest == nil || previous == nil || *previous == 0 {
		return 0, false
	}
	return (*latest - *previous) / *previous, true
}

// Constituents implements UniverseSource with the S&P 500 member list.
func (f *FMPClient) Constituents(ctx context.Context) ([]string, error) {
	var rows []struct {
		Symbol string `json:"symbol"`
	}
	if err := f.get(ctx, "/sp500_constituent", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Symbol != "" {
			out = append(out, r.Symbol)
		}
	}
	return out, nil
}

// Gainers implements UniverseSource.
func (f *FMPClient) Gainers(ctx context.Context, limit int) ([]string, error) {
	var rows []struct {
		Symbol string `json:"symbol"`
	}
	if err := f.get(ctx, "/stock_market/gainers", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if limit > 0 && len(out) == limit {
			break
		}
		if r.Symbol == "" {
			continue
		}
		out = append(out, r.Symbol)
	}
	return out, nil
}

// TrendingTickers returns up to n index members, skipping share-class
// symbols that contain a ".".
func TrendingTickers(ctx context.Context, src UniverseSource, n int) ([]string, error) {
	all, err := src.Constituents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for _, s := range all {
		if n > 0 && len(out) == n {
			break
		}
		if strings.Contains(s, ".") {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
