package melihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/integrations/market"
)

// RetryPolicy bounds the retry behavior of authenticated calls. Sleep is
// injectable so tests run without real waiting.
type RetryPolicy struct {
	MaxAttempts       int
	DefaultRetryAfter time.Duration
	Backoff           func(attempt int) time.Duration
	Sleep             func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		DefaultRetryAfter: 5 * time.Second,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

type Client struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	httpc        *http.Client
	tokens       market.TokenSource
	policy       RetryPolicy
}

func New(baseURL, tokenURL, clientID, clientSecret string) *Client {
	if baseURL == "" {
		baseURL = "https://api.mercadolibre.com"
	}
	if tokenURL == "" {
		tokenURL = baseURL + "/oauth/token"
	}
	return &Client{
		baseURL:      baseURL,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: DefaultRetryPolicy(),
	}
}

// WithTokenSource wires the token manager in. Done after construction
// because the manager itself needs this client for refresh calls.
func (c *Client) WithTokenSource(ts market.TokenSource) *Client {
	c.tokens = ts
	return c
}

func (c *Client) WithRetryPolicy(p RetryPolicy) *Client {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.DefaultRetryAfter <= 0 {
		p.DefaultRetryAfter = def.DefaultRetryAfter
	}
	if p.Backoff == nil {
		p.Backoff = def.Backoff
	}
	if p.Sleep == nil {
		p.Sleep = def.Sleep
	}
	c.policy = p
	return c
}

func (c *Client) GetShipment(ctx context.Context, ownerID, accountID int64, shipmentID int64) (market.ShipmentPayload, error) {
	body, err := c.call(ctx, ownerID, accountID, http.MethodGet, fmt.Sprintf("/shipments/%d", shipmentID), nil)
	if err != nil {
		return market.ShipmentPayload{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return market.ShipmentPayload{}, errors.Wrap(err, "decode shipment")
	}
	return parsePayload(raw), nil
}

func (c *Client) ListShipments(ctx context.Context, ownerID, accountID int64, since time.Time, offset, limit int) ([]market.ShipmentPayload, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	q := url.Values{}
	q.Set("order.date_last_updated.from", since.UTC().Format(time.RFC3339))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.call(ctx, ownerID, accountID, http.MethodGet, "/shipments/search", q)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode shipment search")
	}

	out := make([]market.ShipmentPayload, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, parsePayload(r))
	}
	return out, nil
}

// call executes one bearer-authenticated request with bounded retries:
// 429 honors Retry-After (default 5s), everything else backs off
// exponentially. A 404 short-circuits to market.ErrNotFound.
func (c *Client) call(ctx context.Context, ownerID, accountID int64, method, path string, query url.Values) ([]byte, error) {
	if c.tokens == nil {
		return nil, errors.New("melihttp: token source not wired")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var lastStatus int
	var lastBody string

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		token, err := c.tokens.AccessToken(ctx, ownerID, accountID)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, errors.Wrap(err, "new request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastStatus = 0
			lastBody = err.Error()
			if serr := c.policy.Sleep(ctx, c.policy.Backoff(attempt)); serr != nil {
				return nil, serr
			}
			continue
		}

		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if rerr != nil {
			return nil, errors.Wrap(rerr, "read body")
		}

		switch {
		case resp.StatusCode/100 == 2:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, market.ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			lastStatus = resp.StatusCode
			lastBody = string(body)
			if attempt == c.policy.MaxAttempts {
				break
			}
			if serr := c.policy.Sleep(ctx, retryAfter(resp.Header, c.policy.DefaultRetryAfter)); serr != nil {
				return nil, serr
			}
			continue
		default:
			lastStatus = resp.StatusCode
			lastBody = string(body)
			if attempt == c.policy.MaxAttempts {
				break
			}
			if serr := c.policy.Sleep(ctx, c.policy.Backoff(attempt)); serr != nil {
				return nil, serr
			}
			continue
		}
		break
	}

	return nil, &market.TransportError{
		StatusCode: lastStatus,
		Body:       truncate(lastBody, 512),
		Attempts:   c.policy.MaxAttempts,
	}
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (market.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return market.TokenSet{}, errors.Wrap(err, "new token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return market.TokenSet{}, errors.Wrap(err, "token endpoint")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return market.TokenSet{}, errors.Wrap(err, "read token body")
	}

	if resp.StatusCode/100 == 4 {
		// 4xx from the token endpoint means a bad refresh token, not a
		// transient fault. Reconnect required.
		return market.TokenSet{}, errors.Wrapf(market.ErrInvalidRefreshToken, "http %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	if resp.StatusCode/100 != 2 {
		return market.TokenSet{}, errors.Errorf("token endpoint http %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return market.TokenSet{}, errors.Wrap(err, "decode token response")
	}
	if tr.AccessToken == "" {
		return market.TokenSet{}, errors.New("token endpoint returned empty access_token")
	}

	return market.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

func retryAfter(h http.Header, def time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parsePayload(raw map[string]any) market.ShipmentPayload {
	p := market.ShipmentPayload{Raw: raw}
	p.ID = asInt64(raw["id"])
	p.OrderID = asString(raw["order_id"])
	p.PackID = asString(raw["pack_id"])
	p.TrackingNumber = asString(raw["tracking_number"])
	p.Status = asString(raw["status"])
	p.Substatus = asString(raw["substatus"])
	if s := asString(raw["last_updated"]); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			t = t.UTC()
			p.LastUpdated = &t
		}
	}
	return p
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

// asString renders ids that the API reports as numbers or strings; null
// and absent both come back empty.
func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatInt(int64(x), 10)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}
