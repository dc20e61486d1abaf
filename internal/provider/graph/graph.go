// Package graph implements the provider client against the Microsoft
// Graph v1.0 calendar API: windowed delta enumeration, incremental
// change feeds and change-notification subscriptions.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jw6ventures/calsync/internal/provider"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Graph rejects subscription expirations beyond this horizon.
const maxSubscriptionTTL = 4230 * time.Minute

const pageSize = 100

type Client struct {
	http    *http.Client
	baseURL string
	now     func() time.Time
}

type Option func(*Client)

// WithBaseURL overrides the Graph endpoint, used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultBaseURL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListEvents runs an initial delta query bounded to the window. Graph
// returns the full event set page by page and finishes with a delta link,
// which becomes the cursor for subsequent incremental passes.
func (c *Client) ListEvents(ctx context.Context, acct provider.Account, window provider.Window) ([]provider.Event, string, error) {
	q := url.Values{}
	q.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
	q.Set("$top", strconv.Itoa(pageSize))

	first := fmt.Sprintf("%s/me/calendars/%s/calendarView/delta?%s",
		c.baseURL, url.PathEscape(acct.CalendarID), q.Encode())

	changes, cursor, err := c.collectDelta(ctx, acct, first)
	if err != nil {
		return nil, "", err
	}

	events := make([]provider.Event, 0, len(changes))
	for _, ch := range changes {
		if ch.Removed {
			continue
		}
		events = append(events, ch.Event)
	}
	return events, cursor, nil
}

// ChangesSince follows a previously issued delta link. A 410 from Graph
// surfaces as ErrInvalidCursor so the caller can restart from a full pass.
func (c *Client) ChangesSince(ctx context.Context, acct provider.Account, cursor string) ([]provider.Change, string, error) {
	return c.collectDelta(ctx, acct, cursor)
}

// collectDelta walks a delta page chain: follow nextLink until the
// provider hands back a deltaLink closing the round.
func (c *Client) collectDelta(ctx context.Context, acct provider.Account, pageURL string) ([]provider.Change, string, error) {
	var changes []provider.Change

	for pageURL != "" {
		var page struct {
			Value     []graphEvent `json:"value"`
			NextLink  string       `json:"@odata.nextLink"`
			DeltaLink string       `json:"@odata.deltaLink"`
		}
		if err := c.get(ctx, acct, pageURL, &page); err != nil {
			return nil, "", err
		}

		for _, item := range page.Value {
			ch, ok := item.toChange()
			if !ok {
				continue
			}
			changes = append(changes, ch)
		}

		if page.DeltaLink != "" {
			return changes, page.DeltaLink, nil
		}
		pageURL = page.NextLink
	}
	return changes, "", nil
}

func (c *Client) CreateSubscription(ctx context.Context, acct provider.Account, callbackURL, clientState string, ttl time.Duration) (*provider.RemoteSubscription, error) {
	if ttl <= 0 || ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}

	payload := map[string]string{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    callbackURL,
		"resource":           fmt.Sprintf("/me/calendars/%s/events", acct.CalendarID),
		"expirationDateTime": c.now().UTC().Add(ttl).Format(time.RFC3339),
		"clientState":        clientState,
	}

	var out struct {
		ID                 string `json:"id"`
		Resource           string `json:"resource"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := c.request(ctx, acct, http.MethodPost, c.baseURL+"/subscriptions", payload, &out); err != nil {
		return nil, err
	}

	expires, err := time.Parse(time.RFC3339, out.ExpirationDateTime)
	if err != nil {
		return nil, fmt.Errorf("parse subscription expiration %q: %w", out.ExpirationDateTime, err)
	}
	return &provider.RemoteSubscription{
		ID:        out.ID,
		Resource:  out.Resource,
		ExpiresAt: expires,
	}, nil
}

func (c *Client) RenewSubscription(ctx context.Context, acct provider.Account, subscriptionID string, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 || ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}

	payload := map[string]string{
		"expirationDateTime": c.now().UTC().Add(ttl).Format(time.RFC3339),
	}

	var out struct {
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	u := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.request(ctx, acct, http.MethodPatch, u, payload, &out); err != nil {
		return time.Time{}, err
	}

	expires, err := time.Parse(time.RFC3339, out.ExpirationDateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse subscription expiration %q: %w", out.ExpirationDateTime, err)
	}
	return expires, nil
}

// DeleteSubscription removes a subscription. A subscription the remote
// side already dropped counts as deleted.
func (c *Client) DeleteSubscription(ctx context.Context, acct provider.Account, subscriptionID string) error {
	u := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	err := c.request(ctx, acct, http.MethodDelete, u, nil, nil)
	if errors.Is(err, provider.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) get(ctx context.Context, acct provider.Account, u string, out any) error {
	return c.request(ctx, acct, http.MethodGet, u, nil, out)
}

func (c *Client) request(ctx context.Context, acct provider.Account, method, u string, payload, out any) error {
	tok, err := acct.Token.Token()
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &provider.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

// checkResponse maps Graph status codes onto the provider error taxonomy.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &provider.AuthError{Err: fmt.Errorf("graph returned %d: %s", resp.StatusCode, snippet(resp.Body))}
	case http.StatusNotFound:
		return fmt.Errorf("graph: %w", provider.ErrNotFound)
	case http.StatusGone:
		return fmt.Errorf("graph: %w", provider.ErrInvalidCursor)
	case http.StatusTooManyRequests:
		return &provider.RateLimitedError{RetryAfter: retryAfter(resp.Header)}
	}
	if resp.StatusCode >= 500 {
		return &provider.TransientError{Err: fmt.Errorf("graph returned %d: %s", resp.StatusCode, snippet(resp.Body))}
	}
	return fmt.Errorf("graph api error (%d): %s", resp.StatusCode, snippet(resp.Body))
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// snippet reads a bounded prefix of an error body for log context.
func snippet(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(buf))
}
