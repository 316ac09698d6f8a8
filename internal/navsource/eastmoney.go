// Package navsource fetches published fund net asset values from the
// Eastmoney fund-data endpoints.
package navsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundval/fundvald/internal/calendar"
	"github.com/fundval/fundvald/internal/domain"
)

// navSeriesRe pulls the Data_netWorthTrend JSON array out of the JS payload
// served by fund.eastmoney.com/pingzhongdata/{code}.js.
var navSeriesRe = regexp.MustCompile(`(?s)Data_netWorthTrend\s*=\s*(\[.*?\])\s*;`)

// cst is the exchange's zone; the series timestamps mark midnight CST of the
// NAV date. A fixed zone avoids depending on the host's tzdata.
var cst = time.FixedZone("CST", 8*3600)

// EastmoneyClient is the REST client for the Eastmoney fund-data API, which
// serves the full published NAV history of a fund.
type EastmoneyClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEastmoneyClient creates a new Eastmoney client.
//
// baseURL is the fund-data root, e.g. "http://fund.eastmoney.com". The
// timeout bounds every lookup; a timed-out lookup surfaces as an error and
// the engine leaves the trade pending.
func NewEastmoneyClient(baseURL string, timeout time.Duration) *EastmoneyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EastmoneyClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type navPoint struct {
	X int64   `json:"x"` // unix milliseconds at midnight CST of the NAV date
	Y float64 `json:"y"` // unit NAV
}

// NAVOnDate returns the NAV published for code on the given calendar date.
// It returns domain.ErrNAVUnavailable when the date is not in the published
// series yet.
func (c *EastmoneyClient) NAVOnDate(ctx context.Context, code string, date time.Time) (decimal.Decimal, error) {
	series, err := c.fetchSeries(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}

	want := date.Format(calendar.DateFormat)
	// Published values are appended in date order; scan backwards since
	// lookups almost always target the most recent days.
	for i := len(series) - 1; i >= 0; i-- {
		on := time.UnixMilli(series[i].X).In(cst).Format(calendar.DateFormat)
		if on == want {
			return decimal.NewFromFloat(series[i].Y), nil
		}
		if on < want {
			break
		}
	}
	return decimal.Zero, domain.ErrNAVUnavailable
}

func (c *EastmoneyClient) fetchSeries(ctx context.Context, code string) ([]navPoint, error) {
	url := fmt.Sprintf("%s/pingzhongdata/%s.js", c.baseURL, code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("navsource: build request for %s: %w", code, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("navsource: fetch %s: %w", code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("navsource: fetch %s: unexpected status %d", code, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("navsource: read %s: %w", code, err)
	}

	m := navSeriesRe.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("navsource: no nav series in payload for %s", code)
	}

	var series []navPoint
	if err := json.Unmarshal(m[1], &series); err != nil {
		return nil, fmt.Errorf("navsource: decode nav series for %s: %w", code, err)
	}
	return series, nil
}

// Compile-time interface check.
var _ domain.NAVSource = (*EastmoneyClient)(nil)
