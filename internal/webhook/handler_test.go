package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"billing-webhook-service/internal/event"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	stripe "github.com/stripe/stripe-go/v82"
)

type stubVerifier struct {
	event stripe.Event
	err   error
}

func (s *stubVerifier) Verify(_ []byte, _ string) (stripe.Event, error) {
	return s.event, s.err
}

type stubProcessor struct {
	err       error
	processed []stripe.Event
}

func (s *stubProcessor) Process(_ context.Context, e stripe.Event) error {
	s.processed = append(s.processed, e)
	return s.err
}

func doRequest(t *testing.T, handler *Handler, body string, header string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	if header != "" {
		req.Header.Set(DefaultSignatureHeader, header)
	}
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHandle_Success(t *testing.T) {
	verifier := &stubVerifier{event: stripe.Event{ID: "evt_1", Type: "payment_intent.succeeded"}}
	processor := &stubProcessor{}
	sut := NewHandler(verifier, processor, "", slog.Default())

	rec := doRequest(t, sut, `{}`, "t=1,v1=abc")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"received": true}, decodeBody(t, rec))
	assert.Len(t, processor.processed, 1)
	assert.Equal(t, "evt_1", processor.processed[0].ID)
}

func TestHandle_MissingSignature(t *testing.T) {
	verifier := &stubVerifier{err: event.ErrMissingSignature}
	processor := &stubProcessor{}
	sut := NewHandler(verifier, processor, "", slog.Default())

	rec := doRequest(t, sut, `{}`, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]any{"error": "no signature"}, decodeBody(t, rec))
	assert.Empty(t, processor.processed)
}

func TestHandle_InvalidSignature(t *testing.T) {
	verifier := &stubVerifier{err: errors.Wrap(event.ErrInvalidSignature, "hmac mismatch")}
	processor := &stubProcessor{}
	sut := NewHandler(verifier, processor, "", slog.Default())

	rec := doRequest(t, sut, `{}`, "t=1,v1=bad")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]any{"error": "invalid signature"}, decodeBody(t, rec))
	assert.Empty(t, processor.processed)
}

func TestHandle_ProcessorFailure(t *testing.T) {
	verifier := &stubVerifier{event: stripe.Event{ID: "evt_1"}}
	processor := &stubProcessor{err: errors.New("store unavailable")}
	sut := NewHandler(verifier, processor, "", slog.Default())

	rec := doRequest(t, sut, `{}`, "t=1,v1=abc")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]any{"error": "webhook handler failed"}, decodeBody(t, rec))
}

func TestHandle_NotConfigured(t *testing.T) {
	sut := NewUnconfiguredHandler("", slog.Default())

	rec := doRequest(t, sut, `{}`, "t=1,v1=abc")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]any{"error": "webhook not configured"}, decodeBody(t, rec))
}

func TestHandle_EndToEndWithRealVerifier(t *testing.T) {
	processor := &stubProcessor{}
	sut := NewHandler(event.NewVerifier("whsec_test"), processor, "", slog.Default())

	// unsigned request against the real verifier
	rec := doRequest(t, sut, `{"id": "evt_1", "type": "some.other.event"}`, "t=1,v1=deadbeef")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, processor.processed)
}

func TestRegisterRoutes(t *testing.T) {
	verifier := &stubVerifier{event: stripe.Event{ID: "evt_1"}}
	sut := NewHandler(verifier, &stubProcessor{}, "", slog.Default())

	mux := http.NewServeMux()
	sut.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
