package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"billing-webhook-service/internal/event"
	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	stripe "github.com/stripe/stripe-go/v82"
)

const (
	DefaultSignatureHeader = "Stripe-Signature"

	// Stripe webhook bodies are small; anything larger is not a provider event.
	maxBodyBytes = 1 << 16
)

var (
	requestsOkCounter            = metrics.GetOrCreateCounter(`webhook_requests_total{result="ok"}`)
	requestsNotConfiguredCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="not_configured"}`)
	requestsBadBodyCounter       = metrics.GetOrCreateCounter(`webhook_requests_total{result="bad_body"}`)
	requestsBadSignatureCounter  = metrics.GetOrCreateCounter(`webhook_requests_total{result="bad_signature"}`)
	requestsFailedCounter        = metrics.GetOrCreateCounter(`webhook_requests_total{result="processing_failed"}`)

	requestDurationHistogram = metrics.GetOrCreateHistogram(`webhook_request_duration_milliseconds`)
)

type eventVerifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

type eventProcessor interface {
	Process(ctx context.Context, event stripe.Event) error
}

// Handler is the inbound endpoint for provider events. Response codes drive
// the provider's retry logic: 2xx acknowledges, 4xx rejects without retry,
// 5xx asks for redelivery.
type Handler struct {
	verifier        eventVerifier
	processor       eventProcessor
	signatureHeader string
	logger          *slog.Logger
}

func NewHandler(verifier eventVerifier, processor eventProcessor, signatureHeader string, logger *slog.Logger) *Handler {
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	return &Handler{
		verifier:        verifier,
		processor:       processor,
		signatureHeader: signatureHeader,
		logger:          logger,
	}
}

// NewUnconfiguredHandler rejects every request. Used when required credentials
// are missing at startup, so the service answers instead of half-operating.
func NewUnconfiguredHandler(signatureHeader string, logger *slog.Logger) *Handler {
	return NewHandler(nil, nil, signatureHeader, logger)
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.Handle)
}

func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		requestDurationHistogram.Update(float64(time.Since(start).Milliseconds()))
	}()

	ctx := r.Context()

	if h.verifier == nil || h.processor == nil {
		h.logger.ErrorContext(ctx, "Webhook is not configured, rejecting request")
		requestsNotConfiguredCounter.Inc()
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.WarnContext(ctx, "Error reading request body", "error", err)
		requestsBadBodyCounter.Inc()
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	verified, err := h.verifier.Verify(body, r.Header.Get(h.signatureHeader))
	if err != nil {
		requestsBadSignatureCounter.Inc()
		switch {
		case errors.Is(err, event.ErrMissingSignature):
			h.logger.WarnContext(ctx, "Request has no signature header")
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "no signature"})
		default:
			h.logger.WarnContext(ctx, "Signature verification failed", "error", err)
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		}
		return
	}

	if err := h.processor.Process(ctx, verified); err != nil {
		// Process already logged the cause with event context. A 5xx makes
		// the provider redeliver; the purchase insert is idempotent.
		requestsFailedCounter.Inc()
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook handler failed"})
		return
	}

	requestsOkCounter.Inc()
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
