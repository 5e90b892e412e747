package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"profilefeed/pkg/market"
)

// maxKlineLimit is the largest page the kline endpoint returns.
const maxKlineLimit = 1000

type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *RESTClient) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := c.baseURL + path + "?" + q.Encode()

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bybit error: %s", body)
	}

	var rawResp BybitResponse
	if err := json.NewDecoder(resp.Body).Decode(&rawResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rawResp.RetCode != 0 {
		return fmt.Errorf("bybit error %d: %s", rawResp.RetCode, rawResp.RetMsg)
	}
	if err := json.Unmarshal(rawResp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// Symbols lists the category's symbols quoted in quote, e.g. linear USDT contracts.
func (c *RESTClient) Symbols(ctx context.Context, category, quote string) ([]string, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("limit", "1000")

	var result InstrumentListResponse
	if err := c.get(ctx, "/v5/market/instruments-info", q, &result); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var symbols []string
	for _, s := range result.List {
		if s.QuoteCoin == quote && !seen[s.Symbol] {
			symbols = append(symbols, s.Symbol)
			seen[s.Symbol] = true
		}
	}
	return symbols, nil
}

// GetKlines returns one page of bars with start <= timestamp <= end, oldest first.
func (c *RESTClient) GetKlines(ctx context.Context, category string, key market.CompositeKey,
	interval KlineInterval, start, end time.Time, limit int) ([]market.Bar, error) {
	meta, err := ParseKlineInterval(string(interval))
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", key.Symbol)
	q.Set("interval", meta.APIValue)
	q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	var result KlinesResponse
	if err := c.get(ctx, "/v5/market/kline", q, &result); err != nil {
		return nil, err
	}
	return ParseKlineList(key, meta.Period, result.List), nil
}

// History serves backfills from the kline endpoint.
type History struct {
	client   *RESTClient
	category string
	interval KlineInterval
}

func NewHistory(client *RESTClient, category string, interval KlineInterval) (*History, error) {
	if !interval.IsValid() {
		return nil, fmt.Errorf("invalid KlineInterval: %s", interval)
	}
	return &History{client: client, category: category, interval: interval}, nil
}

// Bars pages backwards from to until from is covered.
func (h *History) Bars(ctx context.Context, key market.CompositeKey, from, to time.Time) ([]market.Bar, error) {
	var pages [][]market.Bar
	end := to.Add(-time.Millisecond)
	for !end.Before(from) {
		page, err := h.client.GetKlines(ctx, h.category, key, h.interval, from, end, maxKlineLimit)
		if err != nil {
			return nil, fmt.Errorf("klines %s: %w", key, err)
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		if len(page) < maxKlineLimit {
			break
		}
		end = page[0].Timestamp.Add(-time.Millisecond)
	}

	var out []market.Bar
	for i := len(pages) - 1; i >= 0; i-- {
		for _, b := range pages[i] {
			if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
				out = append(out, b)
			}
		}
	}
	return out, nil
}
