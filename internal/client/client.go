// Package client talks to the freight API from another process: full list
// fetches for resyncs plus the websocket change stream.
package client

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

	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/stream"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Trips(ctx context.Context, f models.TripFilter) ([]models.Trip, error) {
	q := url.Values{}
	if f.CustomerID != "" {
		q.Set("customer_id", f.CustomerID)
	}
	if f.DriverID != "" {
		q.Set("driver_id", f.DriverID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	var out []models.Trip
	if err := c.get(ctx, "/api/v1/trips", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Trip(ctx context.Context, id int64) (models.Trip, error) {
	var out models.Trip
	if err := c.get(ctx, "/api/v1/trips/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return models.Trip{}, err
	}
	return out, nil
}

func (c *Client) Offers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error) {
	q := url.Values{}
	if f.TripID != 0 {
		q.Set("trip_id", strconv.FormatInt(f.TripID, 10))
	}
	if f.DriverID != "" {
		q.Set("driver_id", f.DriverID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	var out []models.Offer
	if err := c.get(ctx, "/api/v1/offers", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamSource returns a websocket source for the server's /ws/stream.
func (c *Client) StreamSource() *stream.WSSource {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return &stream.WSSource{URL: u + "/ws/stream", Header: h}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("client: get %s: %w: %w", path, models.ErrTransientStore, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("client: get %s: status %d: %s: %w", path, resp.StatusCode, strings.TrimSpace(string(body)), statusErr(resp.StatusCode))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusErr(code int) error {
	switch code {
	case http.StatusBadRequest:
		return models.ErrInvalidInput
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.ErrUnauthorized
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusConflict:
		return models.ErrConflict
	default:
		return models.ErrTransientStore
	}
}
