package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chekodel/internal/config"
	"chekodel/internal/models"

	"github.com/rs/zerolog"
)

func newTestDispatcher() *Dispatcher {
	logger := zerolog.New(io.Discard)
	d := NewDispatcher(config.RelayConfig{Timeout: "5s"}, &logger)
	d.sleep = func(ctx context.Context, _ time.Duration) {} // без пауз в тестах
	return d
}

func testStore(mode string) *models.Store {
	return &models.Store{
		ID:              1,
		Name:            "Test Store",
		RelayMode:       mode,
		RelayRetryLimit: 3,
	}
}

func TestDispatch_NoTargets(t *testing.T) {
	d := newTestDispatcher()
	status := d.Dispatch(context.Background(), testStore(models.RelayModeFireAndForget), nil, []byte(`{}`), "")
	if status != models.RelayStatusNoTargets {
		t.Fatalf("expected no_targets, got %q", status)
	}
}

func TestDispatch_Success(t *testing.T) {
	var gotBody []byte
	var gotHeader, gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get("X-Token")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	d := newTestDispatcher()
	targets := []models.RelayTarget{{
		Name:    "crm",
		URL:     ts.URL,
		Headers: map[string]string{"X-Token": "secret"},
	}}
	payload := []byte(`{"event":"payment.succeeded","object":{"id":"pay-1"}}`)

	status := d.Dispatch(context.Background(), testStore(models.RelayModeRetryUntil200), targets, payload, "")
	if status != models.RelayStatusSuccess {
		t.Fatalf("expected success, got %q", status)
	}
	if string(gotBody) != string(payload) {
		t.Fatalf("payload must pass through unchanged, got %s", gotBody)
	}
	if gotHeader != "secret" {
		t.Errorf("expected custom header, got %q", gotHeader)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected json content type, got %q", gotContentType)
	}
}

func TestDispatch_FireAndForgetSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	d := newTestDispatcher()
	targets := []models.RelayTarget{{Name: "crm", URL: ts.URL}}

	status := d.Dispatch(context.Background(), testStore(models.RelayModeFireAndForget), targets, []byte(`{}`), "")
	if status != models.RelayStatusPartialError {
		t.Fatalf("expected partial_error, got %q", status)
	}
	if calls.Load() != 1 {
		t.Fatalf("fire_and_forget must try exactly once, got %d", calls.Load())
	}
}

func TestDispatch_RetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "not yet", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	d := newTestDispatcher()
	targets := []models.RelayTarget{{Name: "crm", URL: ts.URL}}

	status := d.Dispatch(context.Background(), testStore(models.RelayModeRetryUntil200), targets, []byte(`{}`), "")
	if status != models.RelayStatusSuccess {
		t.Fatalf("expected success after retries, got %q", status)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDispatch_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	d := newTestDispatcher()
	targets := []models.RelayTarget{{Name: "crm", URL: ts.URL}}

	status := d.Dispatch(context.Background(), testStore(models.RelayModeRetryUntil200), targets, []byte(`{}`), "")
	if status != models.RelayStatusError {
		t.Fatalf("expected error, got %q", status)
	}
	if calls.Load() != 3 {
		t.Fatalf("limit is 3 attempts, got %d", calls.Load())
	}
}

func TestDispatch_PartialError(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(okServer.Close)
	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(badServer.Close)

	d := newTestDispatcher()
	targets := []models.RelayTarget{
		{Name: "good", URL: okServer.URL},
		{Name: "bad", URL: badServer.URL},
	}

	status := d.Dispatch(context.Background(), testStore(models.RelayModeFireAndForget), targets, []byte(`{}`), "")
	if status != models.RelayStatusPartialError {
		t.Fatalf("expected partial_error, got %q", status)
	}
}

func TestDispatch_ReceiptURLInjected(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	store := testStore(models.RelayModeRetryUntil200)
	store.IncludeReceiptURLInRelay = true

	d := newTestDispatcher()
	targets := []models.RelayTarget{{Name: "crm", URL: ts.URL}}
	payload := []byte(`{"event":"payment.succeeded"}`)

	status := d.Dispatch(context.Background(), store, targets, payload, "https://lknpd.nalog.ru/web/receipts/abc")
	if status != models.RelayStatusSuccess {
		t.Fatalf("expected success, got %q", status)
	}
	if gotBody["generated_receipt_url"] != "https://lknpd.nalog.ru/web/receipts/abc" {
		t.Fatalf("expected receipt url in body, got %v", gotBody)
	}
	if gotBody["event"] != "payment.succeeded" {
		t.Fatalf("original fields must survive, got %v", gotBody)
	}
}

func TestDispatch_TemplateRendered(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	d := newTestDispatcher()
	targets := []models.RelayTarget{{
		Name:            "crm",
		URL:             ts.URL,
		PayloadTemplate: `{"payment": "{{object.id}}", "kind": "{{event}}"}`,
	}}
	payload := []byte(`{"event":"payment.succeeded","object":{"id":"pay-42"}}`)

	status := d.Dispatch(context.Background(), testStore(models.RelayModeRetryUntil200), targets, payload, "")
	if status != models.RelayStatusSuccess {
		t.Fatalf("expected success, got %q", status)
	}
	if gotBody["payment"] != "pay-42" || gotBody["kind"] != "payment.succeeded" {
		t.Fatalf("unexpected rendered body: %v", gotBody)
	}
}

func TestDispatch_TemplateNonJSONFallback(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	d := newTestDispatcher()
	targets := []models.RelayTarget{{
		Name:            "crm",
		URL:             ts.URL,
		PayloadTemplate: `Оплата {{object.id}} получена`,
	}}
	payload := []byte(`{"object":{"id":"pay-42"}}`)

	status := d.Dispatch(context.Background(), testStore(models.RelayModeRetryUntil200), targets, payload, "")
	if status != models.RelayStatusSuccess {
		t.Fatalf("expected success, got %q", status)
	}
	if gotBody["rendered_payload"] != "Оплата pay-42 получена" {
		t.Fatalf("expected rendered string, got %v", gotBody)
	}
	if _, ok := gotBody["payload"].(map[string]any); !ok {
		t.Fatalf("expected original payload alongside, got %v", gotBody)
	}
}

func TestBackoff_NextDelay(t *testing.T) {
	b := Backoff{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // упёрлись в потолок
		{0, time.Second},
	}
	for _, c := range cases {
		if got := b.NextDelay(c.attempt); got != c.want {
			t.Errorf("attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}
}
