package mytax

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chekodel/internal/models"
)

func officialProfile() *models.MyTaxProfile {
	return &models.MyTaxProfile{
		ID:              2,
		Name:            "Партнёрский",
		Provider:        models.ProviderOfficialAPI,
		INN:             "123456789012",
		Password:        "secret",
		AccessToken:     "proxy-token",
		IsAuthenticated: true,
	}
}

func newOfficialForTest(t *testing.T, proxyURL string, profile *models.MyTaxProfile) Client {
	t.Helper()
	client, err := New(profile, Config{ProxyBaseURL: proxyURL}, http.DefaultClient)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestOfficialCreateReceipt(t *testing.T) {
	var createBody map[string]any
	var gotAuth string

	mux := http.NewServeMux()
	mux.HandleFunc("/mytax/receipt", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		createBody = decodeBody(t, r)
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"receipt_uuid": "proxy-uuid",
			"receipt_url":  "https://lknpd.nalog.ru/web/receipts/proxy-uuid",
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := newOfficialForTest(t, ts.URL, officialProfile())
	result, err := client.CreateReceipt(context.Background(), ReceiptRequest{
		Description: "Оплата заказа pay-7",
		Amount:      500,
		PaymentID:   "pay-7",
	})
	if err != nil {
		t.Fatalf("create receipt: %v", err)
	}

	if gotAuth != "Bearer proxy-token" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
	if createBody["payment_id"] != "pay-7" || createBody["amount"] != float64(500) {
		t.Errorf("unexpected body: %v", createBody)
	}
	if result.ReceiptUUID != "proxy-uuid" {
		t.Fatalf("unexpected uuid: %q", result.ReceiptUUID)
	}
	if result.ReceiptURL != "https://lknpd.nalog.ru/web/receipts/proxy-uuid" {
		t.Fatalf("unexpected url: %q", result.ReceiptURL)
	}
}

func TestOfficialCreateReceipt_ReusesExisting(t *testing.T) {
	createCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/mytax/receipt", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if r.URL.Query().Get("payment_id") != "pay-7" {
				t.Errorf("unexpected payment_id: %q", r.URL.Query().Get("payment_id"))
			}
			json.NewEncoder(w).Encode(map[string]any{
				"receipt_uuid": "existing",
				"receipt_url":  "https://example.com/r/existing",
				"status":       "created",
			})
			return
		}
		createCalls++
		json.NewEncoder(w).Encode(map[string]any{"receipt_uuid": "new"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := newOfficialForTest(t, ts.URL, officialProfile())
	result, err := client.CreateReceipt(context.Background(), ReceiptRequest{Description: "x", Amount: 1, PaymentID: "pay-7"})
	if err != nil {
		t.Fatalf("create receipt: %v", err)
	}

	if result.ReceiptUUID != "existing" {
		t.Fatalf("expected existing receipt, got %q", result.ReceiptUUID)
	}
	if createCalls != 0 {
		t.Fatalf("create endpoint should not be called")
	}
}

func TestOfficialFindReceipt_Canceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"receipt_uuid": "old",
			"status":       "canceled",
		})
	}))
	t.Cleanup(ts.Close)

	client := newOfficialForTest(t, ts.URL, officialProfile())
	result, err := client.FindReceipt(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("find receipt: %v", err)
	}
	if result == nil || !result.Canceled {
		t.Fatalf("expected canceled receipt, got %+v", result)
	}
}

func TestOfficialCancelReceipt(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var cancelBody map[string]any
		mux := http.NewServeMux()
		mux.HandleFunc("/mytax/cancel", func(w http.ResponseWriter, r *http.Request) {
			cancelBody = decodeBody(t, r)
			w.WriteHeader(http.StatusOK)
		})
		ts := httptest.NewServer(mux)
		t.Cleanup(ts.Close)

		client := newOfficialForTest(t, ts.URL, officialProfile())
		if err := client.CancelReceipt(context.Background(), "uuid-9"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if cancelBody["receipt_uuid"] != "uuid-9" {
			t.Errorf("unexpected body: %v", cancelBody)
		}
	})

	t.Run("AlreadyCanceled", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "conflict", http.StatusConflict)
		}))
		t.Cleanup(ts.Close)

		client := newOfficialForTest(t, ts.URL, officialProfile())
		if err := client.CancelReceipt(context.Background(), "uuid-9"); err != nil {
			t.Fatalf("409 must be treated as success, got %v", err)
		}
	})

	t.Run("ServerError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		t.Cleanup(ts.Close)

		client := newOfficialForTest(t, ts.URL, officialProfile())
		err := client.CancelReceipt(context.Background(), "uuid-9")

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Transient() {
			t.Fatalf("expected transient APIError, got %v", err)
		}
	})
}

func TestOfficialLogin(t *testing.T) {
	var loginBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/mytax/login", func(w http.ResponseWriter, r *http.Request) {
		loginBody = decodeBody(t, r)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-proxy-token"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	profile := officialProfile()
	client := newOfficialForTest(t, ts.URL, profile)
	session, err := client.Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if loginBody["inn"] != profile.INN || loginBody["password"] != "secret" {
		t.Errorf("unexpected login body: %v", loginBody)
	}
	if session.AccessToken != "fresh-proxy-token" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if profile.AccessToken != "fresh-proxy-token" {
		t.Fatalf("login must update profile token")
	}
}

func TestOfficialEnsureAuthenticated(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		client := newOfficialForTest(t, "http://127.0.0.1:0", officialProfile())
		session, err := client.EnsureAuthenticated(context.Background())
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if session != nil {
			t.Fatalf("official client has no refresh, expected nil session")
		}
	})

	t.Run("NoToken", func(t *testing.T) {
		profile := officialProfile()
		profile.AccessToken = ""
		client := newOfficialForTest(t, "http://127.0.0.1:0", profile)

		_, err := client.EnsureAuthenticated(context.Background())
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthError, got %v", err)
		}
	})
}

func TestOfficialPhoneChallengeUnsupported(t *testing.T) {
	client := newOfficialForTest(t, "http://127.0.0.1:0", officialProfile())

	if _, err := client.StartPhoneChallenge(context.Background(), "+79990000000"); !errors.Is(err, ErrPhoneAuthUnsupported) {
		t.Fatalf("expected ErrPhoneAuthUnsupported, got %v", err)
	}
	if _, err := client.VerifyPhoneChallenge(context.Background(), "+79990000000", "t", "c"); !errors.Is(err, ErrPhoneAuthUnsupported) {
		t.Fatalf("expected ErrPhoneAuthUnsupported, got %v", err)
	}
}

func TestOfficialProxyNotConfigured(t *testing.T) {
	client := newOfficialForTest(t, "", officialProfile())

	if _, err := client.Login(context.Background()); !errors.Is(err, ErrProxyNotConfigured) {
		t.Fatalf("expected ErrProxyNotConfigured, got %v", err)
	}
	if _, err := client.CreateReceipt(context.Background(), ReceiptRequest{PaymentID: "p"}); !errors.Is(err, ErrProxyNotConfigured) {
		t.Fatalf("expected ErrProxyNotConfigured, got %v", err)
	}
}
