package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/metrics"
	"escrowgo/internal/repository"
	"escrowgo/internal/usecase"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PaymentHandler serves the operator API next to health and metrics.
type PaymentHandler struct {
	svc    usecase.Payment
	logger *zap.Logger
}

func NewPaymentHandler(svc usecase.Payment, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, logger: logger.With(zap.String("component", "ops_http"))}
}

func (h *PaymentHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.observe)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/payments/{id}", h.getPayment).Methods(http.MethodGet)
	r.HandleFunc("/payments/{id}/events", h.getEvents).Methods(http.MethodGet)
	r.HandleFunc("/payments/{id}/reconcile", h.reconcile).Methods(http.MethodPost)
	return r
}

func (h *PaymentHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "escrowd"})
}

func (h *PaymentHandler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPaymentByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) getEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.GetPaymentEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *PaymentHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reconcile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *PaymentHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": string(apperror.KindOf(err)), "message": err.Error()},
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict), apperror.KindOf(err) == apperror.Consistency:
		return http.StatusConflict
	case apperror.KindOf(err) == apperror.Chain, apperror.KindOf(err) == apperror.Provider:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *PaymentHandler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if route == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.IncHTTPRequest(route, r.Method, strconv.Itoa(rec.status))
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
