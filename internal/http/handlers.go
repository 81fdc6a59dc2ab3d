package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/chauffeur-settlement/internal/booking"
	"github.com/example/chauffeur-settlement/internal/config"
	"github.com/example/chauffeur-settlement/internal/dispatch"
	"github.com/example/chauffeur-settlement/internal/fare"
	"github.com/example/chauffeur-settlement/internal/models"
	"github.com/example/chauffeur-settlement/internal/payments"
	"github.com/example/chauffeur-settlement/internal/routes"
	"github.com/example/chauffeur-settlement/internal/settlement"
	"github.com/example/chauffeur-settlement/internal/storage"
	"github.com/example/chauffeur-settlement/internal/tariffs"
	"github.com/example/chauffeur-settlement/internal/tips"
	"github.com/example/chauffeur-settlement/internal/webhook"
)

const maxWebhookBody = 64 << 10

// Deps carries the wired collaborators for the HTTP server.
type Deps struct {
	Bookings   storage.BookingStore
	Ledger     storage.LedgerStore
	Engine     *settlement.Engine
	Tips       *tips.Flow
	Reconciler *webhook.Reconciler
	Tariffs    *tariffs.Store
	Routes     routes.Client
	Numbers    *booking.Generator
	Feed       *dispatch.Feed
}

type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	calc   *fare.Calculator
	d      Deps
	mux    *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, d Deps) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		calc:   &fare.Calculator{Currency: cfg.Currency},
		d:      d,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/quotes", s.handleQuote).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{number}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{number}/authorize", s.handleAuthorize).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{number}/confirm", s.handleConfirm).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{number}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{number}/refund", s.handleRefund).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{number}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{number}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{number}/tip-token", s.handleTipToken).Methods("POST")
	s.mux.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods("POST")
	s.mux.HandleFunc("/api/v1/tips/{token}", s.handleResolveTip).Methods("GET")
	s.mux.HandleFunc("/api/v1/tips/{token}/intent", s.handleTipIntent).Methods("POST")
	s.mux.HandleFunc("/api/v1/tips/{token}", s.handleProcessTip).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/ledger", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type quoteRequest struct {
	TripType      models.TripType `json:"trip_type"`
	Pickup        models.Coord    `json:"pickup"`
	Dropoff       *models.Coord   `json:"dropoff"`
	DurationHours float64         `json:"duration_hours"`
}

type quoteLine struct {
	TariffID string  `json:"tariff_id"`
	Name     string  `json:"name"`
	Fare     float64 `json:"fare"`
	Currency string  `json:"currency"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var q quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		fieldError(w, "body", err.Error())
		return
	}
	snapshot := s.d.Tariffs.Current()

	switch q.TripType {
	case models.TripOneWay:
		if q.Dropoff == nil {
			fieldError(w, "dropoff", "required for one_way trips")
			return
		}
		route, err := s.d.Routes.Route(r.Context(), q.Pickup, *q.Dropoff)
		if err != nil {
			// hard precondition for one-way quoting
			s.logger.Error("route lookup failed", "error", err)
			httpError(w, http.StatusBadGateway, "route lookup unavailable")
			return
		}
		lines := make([]quoteLine, 0)
		for _, t := range snapshot.All() {
			lines = append(lines, quoteLine{
				TariffID: t.ID,
				Name:     t.Name,
				Fare:     s.calc.ComputeOneWayFare(route.DistanceMiles, route.DurationSeconds, t),
				Currency: s.cfg.Currency,
			})
		}
		respondJSON(w, 200, map[string]any{
			"distance_miles":   route.DistanceMiles,
			"duration_seconds": route.DurationSeconds,
			"quotes":           lines,
		})
	case models.TripHourly:
		if q.DurationHours <= 0 {
			fieldError(w, "duration_hours", "must be positive")
			return
		}
		lines := make([]quoteLine, 0)
		for _, t := range snapshot.All() {
			if !t.HourlyEnabled {
				continue
			}
			if t.MaximumHours > 0 && q.DurationHours > t.MaximumHours {
				continue
			}
			lines = append(lines, quoteLine{
				TariffID: t.ID,
				Name:     t.Name,
				Fare:     s.calc.ComputeHourlyFare(q.DurationHours, 0, t),
				Currency: s.cfg.Currency,
			})
		}
		respondJSON(w, 200, map[string]any{"quotes": lines})
	default:
		fieldError(w, "trip_type", "must be one_way or hourly")
	}
}

type createBookingRequest struct {
	TripType       models.TripType       `json:"trip_type"`
	Pickup         models.Coord          `json:"pickup"`
	PickupAddress  string                `json:"pickup_address"`
	Dropoff        *models.Coord         `json:"dropoff"`
	DropoffAddress string                `json:"dropoff_address"`
	PickupTime     time.Time             `json:"pickup_time"`
	DurationHours  float64               `json:"duration_hours"`
	TariffID       string                `json:"tariff_id"`
	Extras         []models.BookingExtra `json:"extras"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fieldError(w, "body", err.Error())
		return
	}
	if req.PickupTime.IsZero() {
		fieldError(w, "pickup_time", "required")
		return
	}
	tariff, ok := s.d.Tariffs.Current().Get(req.TariffID)
	if !ok {
		fieldError(w, "tariff_id", "unknown tariff")
		return
	}

	b := &models.Booking{
		TripType:       req.TripType,
		Pickup:         req.Pickup,
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		PickupTime:     req.PickupTime,
		TariffID:       tariff.ID,
		Status:         models.BookingPending,
		PaymentStatus:  models.PaymentPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	switch req.TripType {
	case models.TripOneWay:
		if req.Dropoff == nil {
			fieldError(w, "dropoff", "required for one_way trips")
			return
		}
		route, err := s.d.Routes.Route(r.Context(), req.Pickup, *req.Dropoff)
		if err != nil {
			s.logger.Error("route lookup failed", "error", err)
			httpError(w, http.StatusBadGateway, "route lookup unavailable")
			return
		}
		b.Dropoff = req.Dropoff
		b.DistanceMiles = &route.DistanceMiles
		b.DurationSeconds = &route.DurationSeconds
		b.EstimatedFare = s.calc.ComputeOneWayFare(route.DistanceMiles, route.DurationSeconds, tariff)
	case models.TripHourly:
		// hourly pricing on a tariff without it is a configuration
		// error, rejected here and never inside the calculator
		if !tariff.HourlyEnabled {
			fieldError(w, "tariff_id", "tariff does not offer hourly service")
			return
		}
		if req.DurationHours <= 0 {
			fieldError(w, "duration_hours", "must be positive")
			return
		}
		if tariff.MaximumHours > 0 && req.DurationHours > tariff.MaximumHours {
			fieldError(w, "duration_hours", "exceeds tariff maximum")
			return
		}
		b.DurationHours = &req.DurationHours
		b.EstimatedFare = s.calc.ComputeHourlyFare(req.DurationHours, 0, tariff)
	default:
		fieldError(w, "trip_type", "must be one_way or hourly")
		return
	}

	b.ExtrasTotal = s.calc.ExtrasTotal(req.Extras)

	number, err := s.d.Numbers.Generate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	b.Number = number
	if err := s.d.Bookings.CreateBooking(r.Context(), b); err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]
	b, err := s.d.Bookings.GetBooking(r.Context(), number)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.d.Ledger.EntriesFor(r.Context(), number)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, 200, map[string]any{
		"booking":            b,
		"transactions":       entries,
		"partially_refunded": b.PartiallyRefunded(),
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]
	hold, err := s.d.Engine.Authorize(r.Context(), number)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, 200, map[string]string{
		"intent_id":     hold.IntentID,
		"client_secret": hold.ClientSecret,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]
	var req struct {
		IntentID string `json:"intent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fieldError(w, "body", err.Error())
		return
	}
	if err := s.d.Engine.ConfirmClientSide(r.Context(), number, req.IntentID); err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, 200, map[string]string{"status": "confirmed"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]
	if err := s.d.Engine.Cancel(r.Context(), number, adminActor(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]
	var req struct {
		Amount float64 `json:"amount"` // 0 means full remaining refund
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fieldError(w, "body", err.Error())
		return
	}
	if err := s.d.Engine.Refund(r.Context(), number, req.Amount, adminActor(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Engine.Start(r.Context(), mux.Vars(r)["number"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FinalFare *float64 `json:"final_fare"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fieldError(w, "body", err.Error())
		return
	}
	if err := s.d.Engine.Complete(r.Context(), mux.Vars(r)["number"], req.FinalFare); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTipToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.d.Tips.GenerateToken(r.Context(), mux.Vars(r)["number"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, 200, map[string]string{"token": token})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httpError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	err = s.d.Reconciler.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, webhook.ErrBadSignature):
		httpError(w, http.StatusBadRequest, "invalid signature")
	case err != nil:
		s.logger.Error("webhook handling failed", "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleResolveTip(w http.ResponseWriter, r *http.Request) {
	page, err := s.d.Tips.Resolve(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, 200, page)
}

func (s *Server) handleTipIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fieldError(w, "body", err.Error())
		return
	}
	res, err := s.d.Tips.CreateIntent(r.Context(), mux.Vars(r)["token"], req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, 200, map[string]string{
		"intent_id":     res.IntentID,
		"client_secret": res.ClientSecret,
	})
}

func (s *Server) handleProcessTip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount          float64 `json:"amount"`
		PaymentMethodID string  `json:"payment_method_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fieldError(w, "body", err.Error())
		return
	}
	if err := s.d.Tips.Process(r.Context(), mux.Vars(r)["token"], req.Amount, req.PaymentMethodID); err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, 200, map[string]string{"status": "tipped"})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	s.d.Feed.Add(newID(), conn)
}

// writeError maps domain errors onto the API's error taxonomy:
// preconditions conflict, integrity rejections are bad requests,
// processor trouble is a retryable upstream failure with a generic
// customer-facing message, and the raw detail stays in the logs/ledger.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not found")
	case errors.Is(err, settlement.ErrIntentMismatch):
		httpError(w, http.StatusBadRequest, "intent does not match booking")
	case errors.Is(err, settlement.ErrOutsideWindow),
		errors.Is(err, settlement.ErrNotAuthorizable),
		errors.Is(err, settlement.ErrCancelled),
		errors.Is(err, settlement.ErrNotCaptured),
		errors.Is(err, settlement.ErrRefundExceedsCharge),
		errors.Is(err, settlement.ErrBadTransition),
		errors.Is(err, tips.ErrAlreadyTipped),
		errors.Is(err, tips.ErrNotCompleted),
		errors.Is(err, tips.ErrNoPaymentMethod),
		errors.Is(err, tips.ErrBadAmount),
		errors.Is(err, booking.ErrNumberSpaceExhausted):
		httpError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payments.ErrDeclined):
		httpError(w, http.StatusPaymentRequired, "payment could not be processed, please try again")
	case errors.Is(err, payments.ErrUnavailable):
		httpError(w, http.StatusBadGateway, "payment could not be processed, please try again")
	default:
		s.logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

func adminActor(r *http.Request) string {
	if v := r.Header.Get("X-Admin-User"); v != "" {
		return v
	}
	return "admin"
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}

func fieldError(w http.ResponseWriter, field, msg string) {
	respondJSON(w, http.StatusBadRequest, map[string]string{"error": msg, "field": field})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
