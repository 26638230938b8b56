// Package dispatch tells drivers how their offers were resolved by posting
// to a push webhook whenever an offer leaves pending.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/observability"
	"github.com/example/freight-matching/internal/stream"
)

// Notice is the webhook body.
type Notice struct {
	DriverID string             `json:"driver_id"`
	OfferID  int64              `json:"offer_id"`
	TripID   int64              `json:"trip_id"`
	Status   models.OfferStatus `json:"status"`
	Price    int64              `json:"price"`
}

// Notifier follows the offer stream. Delivery is best effort: notices lost
// to a stream gap or a failing endpoint are logged and not replayed.
type Notifier struct {
	Endpoint string
	Key      string
	Source   stream.Source
	Client   *http.Client
	Logger   *slog.Logger
	// RetryDelay is the pause before resubscribing after the stream ends.
	RetryDelay time.Duration
}

func NewNotifier(endpoint, key string, source stream.Source, logger *slog.Logger) *Notifier {
	return &Notifier{
		Endpoint:   endpoint,
		Key:        key,
		Source:     source,
		Client:     &http.Client{Timeout: 3 * time.Second},
		Logger:     logger,
		RetryDelay: time.Second,
	}
}

func (n *Notifier) log() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Run blocks until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		err := n.follow(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.log().Warn("notifier_stream_ended", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.RetryDelay):
		}
	}
}

func (n *Notifier) follow(ctx context.Context) error {
	sub, err := n.Source.Subscribe(ctx, stream.EntityOffers, stream.Filter{})
	if err != nil {
		return err
	}
	defer sub.Close()
	for ev := range sub.Events() {
		notice, ok := resolved(ev)
		if !ok {
			continue
		}
		if err := n.Send(ctx, notice); err != nil {
			observability.NotificationsSent.WithLabelValues("error").Inc()
			n.log().Warn("driver_notice_failed", "offer_id", notice.OfferID, "driver_id", notice.DriverID, "error", err)
			continue
		}
		observability.NotificationsSent.WithLabelValues("ok").Inc()
	}
	return sub.Err()
}

// resolved reports whether ev moves an offer out of pending.
func resolved(ev stream.Event) (Notice, bool) {
	if ev.Type != stream.Update || len(ev.Before) == 0 {
		return Notice{}, false
	}
	var before, after models.Offer
	if json.Unmarshal(ev.Before, &before) != nil || json.Unmarshal(ev.After, &after) != nil {
		return Notice{}, false
	}
	if before.Status != models.OfferPending || after.Status == models.OfferPending {
		return Notice{}, false
	}
	// cancellation is the driver's own action
	if after.Status == models.OfferCancelled {
		return Notice{}, false
	}
	return Notice{DriverID: after.DriverID, OfferID: after.ID, TripID: after.TripID, Status: after.Status, Price: after.Price}, true
}

// Send posts one notice.
func (n *Notifier) Send(ctx context.Context, notice Notice) error {
	b, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Key != "" {
		req.Header.Set("Authorization", "Bearer "+n.Key)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: webhook status %d", resp.StatusCode)
	}
	return nil
}
