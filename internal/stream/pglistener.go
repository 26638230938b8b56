package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/example/freight-matching/internal/models"
)

// RowLoader reads the current version of a row named by a notification.
type RowLoader interface {
	GetTrip(ctx context.Context, id int64) (models.Trip, error)
	GetOffer(ctx context.Context, id int64) (models.Offer, error)
}

// PGListener turns Postgres NOTIFY payloads from the trips/offers triggers
// into events. Notifications only name the row, so inserts and updates are
// completed by loading it through Rows. Whenever the listener connection
// drops, notifications sent in the meantime are gone, so OnGap is called to
// force every subscriber to resync.
type PGListener struct {
	DSN     string
	Channel string
	Rows    RowLoader
	Pub     Publisher
	OnGap   func()
	Logger  *slog.Logger
}

func (p *PGListener) log() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *PGListener) gap() {
	if p.OnGap != nil {
		p.OnGap()
	}
}

func (p *PGListener) Run(ctx context.Context) error {
	logger := p.log()
	l := pq.NewListener(p.DSN, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("pg_listener_connect_failed", "error", err)
		case pq.ListenerEventDisconnected:
			logger.Warn("pg_listener_disconnected", "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("pg_listener_reconnected")
		}
	})
	defer l.Close()
	if err := l.Listen(p.Channel); err != nil {
		return err
	}
	logger.Info("pg_listener_started", "channel", p.Channel)

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.Notify:
			// pq sends nil after re-establishing the connection
			if n == nil {
				p.gap()
				continue
			}
			p.handle(ctx, n.Extra)
		case <-ping.C:
			if err := l.Ping(); err != nil {
				logger.Warn("pg_listener_ping_failed", "error", err)
			}
		}
	}
}

func (p *PGListener) handle(ctx context.Context, payload string) {
	ev, err := p.Resolve(ctx, payload)
	switch {
	case err == nil:
		p.Pub.Publish(ev)
	case errors.Is(err, models.ErrNotFound):
		// deleted since; its DELETE notification follows
		p.log().Debug("pg_notify_row_gone", "payload", payload)
	case errors.Is(err, models.ErrInvalidInput):
		p.log().Error("pg_notify_invalid", "error", err)
	default:
		// the event cannot be delivered, so subscribers must resync
		p.log().Warn("pg_notify_load_failed", "error", err)
		p.gap()
	}
}

// Resolve decodes a notification and attaches the current row as After.
func (p *PGListener) Resolve(ctx context.Context, payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("stream: decode notification: %v: %w", err, models.ErrInvalidInput)
	}
	if !ev.Entity.Valid() {
		return Event{}, fmt.Errorf("stream: notification for %q: %w", ev.Entity, models.ErrInvalidInput)
	}
	if ev.Type == Insert || ev.Type == Update {
		var (
			row any
			err error
		)
		switch ev.Entity {
		case EntityTrips:
			row, err = p.Rows.GetTrip(ctx, ev.ID)
		case EntityOffers:
			row, err = p.Rows.GetOffer(ctx, ev.ID)
		}
		if err != nil {
			return Event{}, err
		}
		if ev.After, err = json.Marshal(row); err != nil {
			return Event{}, err
		}
	}
	if err := ev.Validate(); err != nil {
		return Event{}, fmt.Errorf("%v: %w", err, models.ErrInvalidInput)
	}
	return ev, nil
}
