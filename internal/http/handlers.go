package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/freight-matching/internal/matcher"
	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/stream"
)

type Server struct {
	Matcher *matcher.Service
	Hub     *stream.WSHub
	auth    *Authenticator
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(m *matcher.Service, hub *stream.WSHub, auth *Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Matcher: m, Hub: hub, auth: auth, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips", s.handleListTrips).Methods("GET")
	api.HandleFunc("/trips/{id:[0-9]+}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id:[0-9]+}", s.handleDeleteTrip).Methods("DELETE")
	api.HandleFunc("/trips/{id:[0-9]+}/offers", s.handleCreateOffer).Methods("POST")
	api.HandleFunc("/trips/{id:[0-9]+}/start", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/trips/{id:[0-9]+}/complete", s.handleCompleteTrip).Methods("POST")
	api.HandleFunc("/offers", s.handleListOffers).Methods("GET")
	api.HandleFunc("/offers/{id:[0-9]+}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/offers/{id:[0-9]+}/cancel", s.handleCancelOffer).Methods("POST")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/payments/confirm", s.handleConfirmPayment).Methods("POST")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/stream", s.handleStream).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, models.ErrInvalidInput
	}
	return id, nil
}

func queryID(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, models.ErrInvalidInput
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(models.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var in models.NewTrip
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.Matcher.CreateTrip(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.TripFilter{CustomerID: q.Get("customer_id"), DriverID: q.Get("driver_id"), Status: models.TripStatus(q.Get("status"))}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, r, models.ErrInvalidInput)
		return
	}
	trips, err := s.Matcher.ListTrips(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.Matcher.GetTrip(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTrip(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Matcher.DeleteTrip(r.Context(), actorFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in models.NewOffer
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.TripID = id
	o, err := s.Matcher.CreateOffer(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	tripID, err := queryID(r, "trip_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := models.OfferFilter{TripID: tripID, DriverID: q.Get("driver_id"), Status: models.OfferStatus(q.Get("status"))}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, r, models.ErrInvalidInput)
		return
	}
	offers, err := s.Matcher.ListOffers(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Matcher.AcceptOffer(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.Matcher.CancelOffer(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.Matcher.StartTrip(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.Matcher.CompleteTrip(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type paymentConfirmation struct {
	TripID          int64  `json:"trip_id"`
	PaymentIntentID string `json:"payment_intent_id"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r.Context()).Role != models.RoleSystem {
		s.writeError(w, r, models.ErrUnauthorized)
		return
	}
	var in paymentConfirmation
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.TripID <= 0 {
		s.writeError(w, r, models.ErrInvalidInput)
		return
	}
	t, err := s.Matcher.ConfirmPayment(r.Context(), in.TripID, in.PaymentIntentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	entity := stream.EntityType(r.URL.Query().Get("entity"))
	if !entity.Valid() {
		s.writeError(w, r, models.ErrInvalidInput)
		return
	}
	tripID, err := queryID(r, "trip_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Hub == nil {
		s.writeError(w, r, models.ErrTransientStore)
		return
	}
	if err := s.Hub.Serve(w, r, entity, stream.Filter{TripID: tripID}); err != nil {
		s.logger.Warn("ws_stream_closed", "entity", string(entity), "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, errMissingToken):
		status, kind = http.StatusUnauthorized, "missing_token"
	case errors.Is(err, models.ErrInvalidInput):
		status, kind = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, models.ErrUnauthorized):
		status, kind = http.StatusForbidden, "unauthorized"
	case errors.Is(err, models.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrInvalidTransition):
		status, kind = http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrTransientStore):
		status, kind = http.StatusServiceUnavailable, "transient"
	}
	accessFrom(r.Context()).kind = kind
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
