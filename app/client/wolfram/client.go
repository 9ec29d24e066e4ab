// Package wolfram talks to the Wolfram|Alpha short-answers API: one
// question in, one plain-text answer out.
package wolfram

import (
	"arbor/app/config"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/do"
	"github.com/tmc/langchaingo/tools"
)

var (
	ErrUnauthorized = errors.New("wolfram: app id was rejected")
	ErrRateLimited  = errors.New("wolfram: rate limited")
	ErrNoAnswer     = errors.New("wolfram: no short answer for this input")
)

var _ tools.Tool = (*Client)(nil)

type Client struct {
	appID    string
	endpoint string
	client   *http.Client
}

func NewClient(di *do.Injector) (*Client, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return New(cfg.Wolfram.AppID, cfg.Wolfram.Endpoint), nil
}

func New(appID, endpoint string) *Client {
	return &Client{
		appID:    appID,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() string {
	return "wolfram_alpha"
}

func (c *Client) Description() string {
	return "Answers factual and mathematical questions with a single short answer."
}

func (c *Client) Call(ctx context.Context, input string) (string, error) {
	params := url.Values{}
	params.Set("appid", c.appID)
	params.Set("i", input)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("wolfram: failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wolfram: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("wolfram: failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return strings.TrimSpace(string(body)), nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", ErrUnauthorized
	case http.StatusTooManyRequests:
		return "", ErrRateLimited
	case http.StatusNotImplemented:
		// the API answers 501 when it cannot interpret the input
		return "", ErrNoAnswer
	default:
		return "", fmt.Errorf("wolfram: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
