package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
}

func (c *Client) Info(ctx context.Context, req any) (map[string]any, error) {
	var data map[string]any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) InfoAny(ctx context.Context, req any) (any, error) {
	var data any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// L2Book fetches the aggregated book for a coin.
func (c *Client) L2Book(ctx context.Context, coin string) (map[string]any, error) {
	return c.Info(ctx, InfoRequest{Type: "l2Book", Coin: coin})
}

// OpenOrders lists every resting order for the user across all coins.
func (c *Client) OpenOrders(ctx context.Context, user string) ([]any, error) {
	raw, err := c.InfoAny(ctx, InfoRequest{Type: "frontendOpenOrders", User: user})
	if err != nil {
		return nil, err
	}
	orders, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected open orders payload %T", raw)
	}
	return orders, nil
}

func (c *Client) MetaAndAssetCtxs(ctx context.Context) (any, error) {
	return c.InfoAny(ctx, InfoRequest{Type: "metaAndAssetCtxs"})
}

func (c *Client) ClearinghouseState(ctx context.Context, user string) (map[string]any, error) {
	return c.Info(ctx, InfoRequest{Type: "clearinghouseState", User: user})
}

func (c *Client) UserFees(ctx context.Context, user string) (map[string]any, error) {
	return c.Info(ctx, InfoRequest{Type: "userFees", User: user})
}

func (c *Client) post(ctx context.Context, path string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	c.log.Debug("info request", zap.String("path", path), zap.Duration("latency", time.Since(start)))
	return nil
}
