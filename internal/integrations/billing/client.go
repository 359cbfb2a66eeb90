// Package billing asks RevenueCat whether a user holds an entitlement.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coach-chat/internal/integrations/httpjson"
)

const defaultBaseURL = "https://api.revenuecat.com"

// KeySource yields the RevenueCat secret API key. *paramstore.Token satisfies it.
type KeySource interface {
	Value(ctx context.Context) (string, error)
}

type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]struct {
			ExpiresDate       *string `json:"expires_date"`
			ProductIdentifier string  `json:"product_identifier"`
		} `json:"entitlements"`
	} `json:"subscriber"`
}

// Client is a focused RevenueCat REST client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	key         KeySource
	entitlement string
	now         func() time.Time
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient returns a Client that checks for the named entitlement.
func NewClient(key KeySource, entitlement string, opts ...Option) (*Client, error) {
	if key == nil {
		return nil, errors.New("billing: key source must not be nil")
	}
	entitlement = strings.TrimSpace(entitlement)
	if entitlement == "" {
		return nil, errors.New("billing: entitlement id must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: httpjson.DefaultTimeout},
		key:         key,
		entitlement: entitlement,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func subscriberURL(baseURL, userID string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/v1/subscribers/" + url.PathEscape(userID)
}

// HasEntitlement reports whether userID currently holds the configured
// entitlement. Unknown subscribers are not entitled.
func (c *Client) HasEntitlement(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, errors.New("billing: user id must not be empty")
	}
	apiKey, err := c.key.Value(ctx)
	if err != nil {
		return false, fmt.Errorf("billing: resolve api key: %w", err)
	}

	req, err := httpjson.NewRequest(ctx, http.MethodGet, subscriberURL(c.baseURL, userID), nil)
	if err != nil {
		return false, fmt.Errorf("billing: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := httpjson.Do(c.httpClient, "billing", req)
	if err != nil {
		var se *httpjson.HTTPStatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("billing: get subscriber: %w", err)
	}

	var payload subscriberResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, fmt.Errorf("billing: decode subscriber: %w", err)
	}
	ent, ok := payload.Subscriber.Entitlements[c.entitlement]
	if !ok {
		return false, nil
	}
	if ent.ExpiresDate == nil || *ent.ExpiresDate == "" {
		return true, nil
	}
	expires, err := time.Parse(time.RFC3339, *ent.ExpiresDate)
	if err != nil {
		return false, fmt.Errorf("billing: parse expires_date %q: %w", *ent.ExpiresDate, err)
	}
	return expires.After(c.now()), nil
}
