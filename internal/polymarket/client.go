// Package polymarket fetches market metadata from the Gamma API and orderbooks from the
// CLOB API, and assembles them into snapshots.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/polygraph/internal/logger"
	"github.com/rewired-gh/polygraph/internal/models"
)

// maxPageSize is the Gamma API page limit.
const maxPageSize = 100

// ClientConfig holds HTTP client configuration
type ClientConfig struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetryElapsed   time.Duration
	OrderbookLevels   int
}

// Client provides access to Polymarket API
type Client struct {
	gammaAPIURL string
	clobAPIURL  string
	httpClient  *http.Client
	limiter     *rate.Limiter
	cfg         ClientConfig
}

// StatusError is returned for a non-200 response that was not retried away.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// NewClient creates a new Polymarket client
func NewClient(gammaAPIURL, clobAPIURL string, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 30 * time.Second
	}
	if cfg.OrderbookLevels <= 0 {
		cfg.OrderbookLevels = 10
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		gammaAPIURL: gammaAPIURL,
		clobAPIURL:  clobAPIURL,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		cfg:         cfg,
	}
}

// number decodes Gamma numeric fields, which arrive as JSON numbers, quoted strings or
// empty strings.
type number struct {
	decimal.Decimal
}

func (n *number) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `""`, "null":
		n.Decimal = decimal.Zero
		return nil
	}
	return n.Decimal.UnmarshalJSON(b)
}

// gammaMarket is a market as returned by the Gamma API.
type gammaMarket struct {
	ID            string `json:"id"`
	ConditionID   string `json:"conditionId"`
	Question      string `json:"question"`
	Slug          string `json:"slug"`
	Outcomes      string `json:"outcomes"`      // JSON string: "[\"Yes\", \"No\"]"
	OutcomePrices string `json:"outcomePrices"` // JSON string: "[\"0.75\", \"0.25\"]"
	ClobTokenIds  string `json:"clobTokenIds"`  // JSON string: "[\"token1\", \"token2\"]"
	Volume        number `json:"volume"`
	Volume24hr    number `json:"volume24hr"`
	Liquidity     number `json:"liquidity"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	EndDate       string `json:"endDate"`
}

// Markets retrieves up to limit active, open markets ordered by volume.
func (c *Client) Markets(ctx context.Context, limit int) ([]models.Market, error) {
	u, err := url.Parse(c.gammaAPIURL + "/markets")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("order", "volume")
	q.Set("ascending", "false")
	q.Set("limit", strconv.Itoa(min(limit, maxPageSize)))
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch markets: %w", err)
	}

	raw, err := decodeMarketList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode markets: %w", err)
	}

	now := time.Now()
	markets := make([]models.Market, 0, len(raw))
	for _, gm := range raw {
		m, err := toMarket(gm, now)
		if err != nil {
			logger.Debug("Skipping market %s: %v", gm.ID, err)
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// The Gamma API answers with either a bare array or a {"data": [...]} page.
func decodeMarketList(body []byte) ([]gammaMarket, error) {
	var list []gammaMarket
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var page struct {
		Data []gammaMarket `json:"data"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

func toMarket(gm gammaMarket, now time.Time) (models.Market, error) {
	yes, no, err := parseOutcomePrices(gm.Outcomes, gm.OutcomePrices)
	if err != nil {
		return models.Market{}, err
	}

	m := models.Market{
		ID:          gm.ID,
		ConditionID: gm.ConditionID,
		Question:    gm.Question,
		Slug:        gm.Slug,
		YesPrice:    yes,
		NoPrice:     no,
		Volume:      gm.Volume.InexactFloat64(),
		Volume24hr:  gm.Volume24hr.InexactFloat64(),
		Liquidity:   gm.Liquidity.InexactFloat64(),
		Active:      gm.Active,
		Closed:      gm.Closed,
		UpdatedAt:   now,
	}

	var tokens []string
	if gm.ClobTokenIds != "" {
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokens); err != nil {
			return models.Market{}, fmt.Errorf("failed to parse token ids: %w", err)
		}
	}
	if len(tokens) >= 2 {
		m.YesTokenID, m.NoTokenID = tokens[0], tokens[1]
	}

	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			m.EndDate = t
		}
	}

	if err := m.Validate(); err != nil {
		return models.Market{}, err
	}
	return m, nil
}

// parseOutcomePrices extracts Yes/No prices. Markets whose outcomes are not labelled take
// the first price as yes and the second as no.
func parseOutcomePrices(outcomesJSON, pricesJSON string) (float64, float64, error) {
	var prices []string
	if err := json.Unmarshal([]byte(pricesJSON), &prices); err != nil {
		return 0, 0, fmt.Errorf("failed to parse outcome prices: %w", err)
	}
	if len(prices) < 2 {
		return 0, 0, fmt.Errorf("expected 2 outcome prices, got %d", len(prices))
	}

	var outcomes []string
	if outcomesJSON != "" {
		if err := json.Unmarshal([]byte(outcomesJSON), &outcomes); err != nil {
			return 0, 0, fmt.Errorf("failed to parse outcomes: %w", err)
		}
	}

	yesIdx, noIdx := 0, 1
	for i, o := range outcomes {
		switch o {
		case "Yes":
			yesIdx = i
		case "No":
			noIdx = i
		}
	}
	if yesIdx >= len(prices) || noIdx >= len(prices) {
		return 0, 0, fmt.Errorf("outcomes and prices disagree")
	}

	yes, err := decimal.NewFromString(prices[yesIdx])
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse yes price: %w", err)
	}
	no, err := decimal.NewFromString(prices[noIdx])
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse no price: %w", err)
	}
	return yes.InexactFloat64(), no.InexactFloat64(), nil
}

type bookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type orderbook struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

// Depth is the USD notional resting on each side of a book.
type Depth struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Depth fetches a token's book and sums price*size over the best levels of each side.
// A token without a book has zero depth.
func (c *Client) Depth(ctx context.Context, tokenID string) (Depth, error) {
	u, err := url.Parse(c.clobAPIURL + "/book")
	if err != nil {
		return Depth{}, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("token_id", tokenID)
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return Depth{Bid: decimal.Zero, Ask: decimal.Zero}, nil
	}
	if err != nil {
		return Depth{}, fmt.Errorf("failed to fetch orderbook: %w", err)
	}

	var book orderbook
	if err := json.Unmarshal(body, &book); err != nil {
		return Depth{}, fmt.Errorf("failed to decode orderbook: %w", err)
	}
	return bookDepth(book, c.cfg.OrderbookLevels), nil
}

// bookDepth ranks bids high to low and asks low to high before summing, since the CLOB
// does not promise an order.
func bookDepth(book orderbook, levels int) Depth {
	sort.SliceStable(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.SliceStable(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	return Depth{Bid: sideDepth(book.Bids, levels), Ask: sideDepth(book.Asks, levels)}
}

func sideDepth(side []bookLevel, levels int) decimal.Decimal {
	total := decimal.Zero
	for i, l := range side {
		if i >= levels {
			break
		}
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total
}

// Market fetches the current state of one market from the Gamma API.
func (c *Client) Market(ctx context.Context, id string) (models.Market, error) {
	body, err := c.get(ctx, c.gammaAPIURL+"/markets/"+url.PathEscape(id))
	if err != nil {
		return models.Market{}, fmt.Errorf("failed to fetch market %s: %w", id, err)
	}
	var gm gammaMarket
	if err := json.Unmarshal(body, &gm); err != nil {
		return models.Market{}, fmt.Errorf("failed to decode market %s: %w", id, err)
	}
	return toMarket(gm, time.Now())
}

// Snapshot observes a market at the given time. Prices and cumulative volume are read
// fresh from Gamma on every call; the passed market only supplies the id and a fallback
// yes token. Volume carries the cumulative traded volume.
func (c *Client) Snapshot(ctx context.Context, market models.Market, at time.Time) (models.MarketSnapshot, error) {
	current, err := c.Market(ctx, market.ID)
	if err != nil {
		return models.MarketSnapshot{}, err
	}

	snap := models.MarketSnapshot{
		MarketID:  market.ID,
		Timestamp: at,
		YesPrice:  current.YesPrice,
		NoPrice:   current.NoPrice,
		Volume:    current.Volume,
	}

	token := current.YesTokenID
	if token == "" {
		token = market.YesTokenID
	}
	if token == "" {
		return snap, fmt.Errorf("market %s has no yes token", market.ID)
	}
	depth, err := c.Depth(ctx, token)
	if err != nil {
		return snap, err
	}
	snap.BidDepth = depth.Bid.InexactFloat64()
	snap.AskDepth = depth.Ask.InexactFloat64()
	return snap, nil
}

// get performs a rate-limited GET, retrying transport errors and 5xx responses with
// exponential backoff. Other non-200 statuses fail at once.
func (c *Client) get(ctx context.Context, urlStr string) ([]byte, error) {
	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return &StatusError{StatusCode: resp.StatusCode, URL: urlStr}
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, URL: urlStr})
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.cfg.MaxRetryElapsed
	notify := func(err error, wait time.Duration) {
		logger.Debug("Retrying %s in %v: %v", urlStr, wait, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}
