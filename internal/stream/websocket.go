package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/freight-matching/internal/models"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 2 * wsPingPeriod

	// CloseStreamGap tells a client its feed was cut and it must resync.
	CloseStreamGap = 4000
)

// WSSession is one connected stream client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(ev)
}

func (s *WSSession) control(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(messageType, data, time.Now().Add(wsWriteWait))
}

// WSHub serves a Source to websocket clients and tracks open sessions.
type WSHub struct {
	source   Source
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*WSSession]struct{}
}

func NewWSHub(source Source, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		source:   source,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger,
		sessions: make(map[*WSSession]struct{}),
	}
}

func (h *WSHub) add(s *WSSession) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

func (h *WSHub) remove(s *WSSession) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Serve upgrades the request and streams events until either side goes away.
func (h *WSHub) Serve(w http.ResponseWriter, r *http.Request, entity EntityType, filter Filter) error {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := h.source.Subscribe(ctx, entity, filter)
	if err != nil {
		return err
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s := &WSSession{conn: conn}
	h.add(s)
	defer h.remove(s)
	h.logger.Info("ws_stream_open", "entity", string(entity), "trip_id", filter.TripID)

	// reader: only control frames are expected; a read error means the client left
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				code, reason := websocket.CloseNormalClosure, "bye"
				if errors.Is(sub.Err(), models.ErrStreamGap) {
					code, reason = CloseStreamGap, "stream gap"
				}
				_ = s.control(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return nil
			}
			if err := s.Send(ev); err != nil {
				return err
			}
		case <-ping.C:
			if err := s.control(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close tells every connected client to go away.
func (h *WSHub) Close() {
	h.mu.Lock()
	sessions := make([]*WSSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.control(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		_ = s.conn.Close()
	}
}

// WSSource subscribes to a remote /ws/stream endpoint.
type WSSource struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (ws *WSSource) Subscribe(ctx context.Context, entity EntityType, filter Filter) (Subscription, error) {
	u, err := url.Parse(ws.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("entity", string(entity))
	if filter.TripID != 0 {
		q.Set("trip_id", strconv.FormatInt(filter.TripID, 10))
	}
	u.RawQuery = q.Encode()

	dialer := ws.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), ws.Header)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", u.Redacted(), err)
	}
	f, ctx := newFeed(ctx, 256)
	f.closer = conn.Close
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() != nil {
					f.end(ctx.Err())
					return
				}
				f.end(fmt.Errorf("%w: %w", models.ErrStreamGap, err))
				return
			}
			if err := ev.Validate(); err != nil || ev.Entity != entity || !filter.Match(ev) {
				continue
			}
			if !f.send(ctx, ev) {
				f.end(ctx.Err())
				return
			}
		}
	}()
	return f, nil
}
