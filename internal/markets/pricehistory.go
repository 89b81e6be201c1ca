// Package markets fetches historical instrument prices from a public
// market-data chart API. Instruments are looked up by ticker symbol with an
// exchange suffix derived from the market hint, with fallbacks for ETFs that
// trade on several venues.
package markets

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/nordnet-unofficial/nordgo/internal/browser"
)

const defaultChartBaseURL = "https://query1.finance.yahoo.com"

// marketSuffixes maps market country codes to exchange ticker suffixes.
var marketSuffixes = map[string]string{
	"DK": ".CO",
	"SE": ".ST",
	"NO": ".OL",
	"FI": ".HE",
	"DE": ".DE",
	"US": "",
	"GB": ".L",
	"NL": ".AS",
	"FR": ".PA",
	"IT": ".MI",
	"CH": ".SW",
	"ES": ".MC",
	"AT": ".VI",
	"BE": ".BR",
	"PT": ".LS",
	"IE": ".DE",
	"LU": ".DE",
}

// fallbackSuffixes are tried in order when the market-specific suffix finds
// nothing; cross-listed ETFs usually resolve on one of these.
var fallbackSuffixes = []string{".DE", ".AS", ".L", ".PA", ".MI", ""}

// Service fetches and memoizes daily closing prices. The caches are
// instance-scoped; create one Service per session lifetime.
type Service struct {
	sess    *browser.Session
	baseURL string

	prices map[string]map[string]float64
	suffix map[string]string
}

// NewService creates a price history service on the shared session, so proxy
// settings apply uniformly.
func NewService(sess *browser.Session) *Service {
	return &Service{
		sess:    sess,
		baseURL: defaultChartBaseURL,
		prices:  make(map[string]map[string]float64),
		suffix:  make(map[string]string),
	}
}

// PriceHistory returns a date(YYYY-MM-DD)→closing-price map for the symbol
// between start and end. An unknown symbol yields an empty map, not an
// error; the upstream tickers are too inconsistent to treat misses as fatal.
func (s *Service) PriceHistory(symbol string, start, end time.Time, market string) map[string]float64 {
	if symbol == "" {
		return map[string]float64{}
	}
	if end.IsZero() {
		end = time.Now()
	}
	base := symbol
	if i := strings.Index(symbol, "."); i >= 0 {
		base = symbol[:i]
	}

	if suffix, ok := s.suffix[base]; ok {
		if prices := s.fetch(base+suffix, start, end); len(prices) > 0 {
			return prices
		}
	}

	var suffixes []string
	if suffix, ok := marketSuffixes[market]; ok && market != "" {
		suffixes = append(suffixes, suffix)
	}
	for _, suffix := range fallbackSuffixes {
		seen := false
		for _, have := range suffixes {
			if have == suffix {
				seen = true
				break
			}
		}
		if !seen {
			suffixes = append(suffixes, suffix)
		}
	}

	for _, suffix := range suffixes {
		prices := s.fetch(base+suffix, start, end)
		if len(prices) > 0 {
			s.suffix[base] = suffix
			return prices
		}
	}
	log.Debugf("no price history found for %s (market=%s)", symbol, market)
	return map[string]float64{}
}

// fetch queries the chart endpoint for one fully suffixed symbol.
func (s *Service) fetch(symbol string, start, end time.Time) map[string]float64 {
	cacheKey := fmt.Sprintf("%s|%d|%d", symbol, start.Unix(), end.Unix())
	if cached, ok := s.prices[cacheKey]; ok {
		return cached
	}

	params := url.Values{
		"period1":  {fmt.Sprintf("%d", start.Unix())},
		"period2":  {fmt.Sprintf("%d", end.Unix())},
		"interval": {"1d"},
	}
	chartURL := fmt.Sprintf("%s/v8/finance/chart/%s?%s", s.baseURL, url.PathEscape(symbol), params.Encode())
	resp, err := s.sess.Get(chartURL)
	if err != nil {
		log.Debugf("chart request for %s failed: %v", symbol, err)
		return nil
	}
	if resp.StatusCode != 200 {
		log.Debugf("chart request for %s: status=%d", symbol, resp.StatusCode)
		return nil
	}

	result := gjson.GetBytes(resp.Body, "chart.result.0")
	timestamps := result.Get("timestamp").Array()
	closes := result.Get("indicators.quote.0.close").Array()
	if len(timestamps) == 0 || len(timestamps) != len(closes) {
		return nil
	}

	prices := make(map[string]float64, len(timestamps))
	for i, ts := range timestamps {
		// Gaps in the series arrive as nulls.
		if closes[i].Type == gjson.Null {
			continue
		}
		day := time.Unix(ts.Int(), 0).UTC().Format("2006-01-02")
		prices[day] = closes[i].Float()
	}
	s.prices[cacheKey] = prices
	return prices
}
