package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/satoshigate/paygate/internal/gateway"
	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/storage"
)

type fakeGateway struct {
	createErr error
	created   storage.Intent

	assignErr    error
	assigned     gateway.AssignedResult
	assignCalled string

	issueErr error
	issued   gateway.IssuedToken

	redeemErr error
	redeemed  gateway.RedeemResult

	statusErr error
	status    gateway.StatusResult

	scanErr error
}

func (f *fakeGateway) CreateIntent(_ context.Context, _ intent.CreateParams) (storage.Intent, error) {
	return f.created, f.createErr
}

func (f *fakeGateway) EnsureAssigned(_ context.Context, id string) (gateway.AssignedResult, error) {
	f.assignCalled = id
	return f.assigned, f.assignErr
}

func (f *fakeGateway) IssueToken(_ context.Context, _ string, _ time.Duration) (gateway.IssuedToken, error) {
	return f.issued, f.issueErr
}

func (f *fakeGateway) RedeemToken(_ context.Context, _ string) (gateway.RedeemResult, error) {
	return f.redeemed, f.redeemErr
}

func (f *fakeGateway) GetStatus(_ context.Context, _ string) (gateway.StatusResult, error) {
	return f.status, f.statusErr
}

func (f *fakeGateway) ScanForPayments(_ context.Context, _ string) error {
	return f.scanErr
}

type fakeIntents struct {
	intents map[string]storage.Intent
}

func (f *fakeIntents) GetIntent(_ context.Context, id string) (storage.Intent, error) {
	in, ok := f.intents[id]
	if !ok {
		return storage.Intent{}, storage.ErrNotFound
	}
	return in, nil
}

func newTestHandler(t *testing.T, gw *fakeGateway, intents *fakeIntents) http.Handler {
	t.Helper()
	h, err := NewHandler(Config{Gateway: gw, Intents: intents})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestHandleCreateIntentReturns201(t *testing.T) {
	gw := &fakeGateway{created: storage.Intent{ID: "intent-1", AmountSats: 5000, Status: storage.IntentPending}}
	h := newTestHandler(t, gw, &fakeIntents{intents: map[string]storage.Intent{}})

	body := bytes.NewBufferString(`{"amountSats":5000}`)
	req := httptest.NewRequest(http.MethodPost, "/api/pay/intents", body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rr.Code, rr.Body.String())
	}
	var got storage.Intent
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "intent-1" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestHandleCreateIntentMapsValidationError(t *testing.T) {
	gw := &fakeGateway{createErr: gateway.ErrValidation}
	h := newTestHandler(t, gw, &fakeIntents{})

	req := httptest.NewRequest(http.MethodPost, "/api/pay/intents", bytes.NewBufferString(`{"amountSats":0}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleGetIntentNotFound(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(t, gw, &fakeIntents{intents: map[string]storage.Intent{}})

	req := httptest.NewRequest(http.MethodGet, "/api/pay/intents/missing", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleGetIntentFound(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(t, gw, &fakeIntents{intents: map[string]storage.Intent{
		"intent-1": {ID: "intent-1", AmountSats: 9000},
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/pay/intents/intent-1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandlePayMapsAuthFailureToGoneWithOpaqueMessage(t *testing.T) {
	gw := &fakeGateway{redeemErr: gateway.ErrAuth}
	h := newTestHandler(t, gw, &fakeIntents{})

	req := httptest.NewRequest(http.MethodGet, "/api/pay/pay/bogus-token", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rr.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["error"] != "Invalid or expired link" {
		t.Fatalf("error message leaked detail: %+v", got)
	}
}

func TestHandlePaySucceedsThenAssigns(t *testing.T) {
	gw := &fakeGateway{
		redeemed: gateway.RedeemResult{IntentID: "intent-1"},
		assigned: gateway.AssignedResult{IntentID: "intent-1", Address: "bc1qxyz"},
	}
	h := newTestHandler(t, gw, &fakeIntents{})

	req := httptest.NewRequest(http.MethodGet, "/api/pay/pay/good-token", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if gw.assignCalled != "intent-1" {
		t.Fatalf("EnsureAssigned not called with redeemed intent id, got %q", gw.assignCalled)
	}
}

func TestHandleStatusRequiresIntentID(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(t, gw, &fakeIntents{})

	req := httptest.NewRequest(http.MethodGet, "/api/pay/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleScanMapsTransientToServiceUnavailable(t *testing.T) {
	gw := &fakeGateway{scanErr: gateway.ErrTransient}
	h := newTestHandler(t, gw, &fakeIntents{})

	req := httptest.NewRequest(http.MethodPost, "/api/pay/scan/intent-1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestHealthzBypassesRateLimitAndBasePath(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(t, gw, &fakeIntents{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestRateLimiterBlocksBurstOverflow(t *testing.T) {
	gw := &fakeGateway{}
	handler, err := NewHandler(Config{
		Gateway:                 gw,
		Intents:                 &fakeIntents{},
		RateLimitPerIPPerSecond: 1,
		RateLimitBurst:          2,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/pay/status?intentId=x", nil)
		req.RemoteAddr = "203.0.113.5:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		last = rr
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after exceeding burst", last.Code)
	}
}

func TestNewHandlerRejectsNilGateway(t *testing.T) {
	if _, err := NewHandler(Config{Intents: &fakeIntents{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}
