package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chekodel/internal/config"
	"chekodel/internal/models"

	"github.com/rs/zerolog"
)

type sentMessage struct {
	path     string
	chatID   string
	text     string
	threadID string
	preview  string
}

// fakeTelegram поднимает httptest-сервер вместо api.telegram.org.
func fakeTelegram(t *testing.T, fail bool) (*Notifier, *[]sentMessage) {
	t.Helper()

	var sent []sentMessage
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		sent = append(sent, sentMessage{
			path:     r.URL.Path,
			chatID:   r.FormValue("chat_id"),
			text:     r.FormValue("text"),
			threadID: r.FormValue("message_thread_id"),
			preview:  r.FormValue("disable_web_page_preview"),
		})
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"ok":false,"error_code":400,"description":"chat not found"}`)
			return
		}
		io.WriteString(w, `{"ok":true,"result":true}`)
	}))
	t.Cleanup(ts.Close)

	logger := zerolog.New(io.Discard)
	n := New(config.TelegramConfig{APIEndpoint: ts.URL + "/bot%s/%s", Timeout: "5s"}, &logger)
	return n, &sent
}

func activeChannel() models.TelegramChannel {
	return models.TelegramChannel{
		ID:       1,
		StoreID:  1,
		Name:     "Основной",
		BotToken: "token-1",
		ChatID:   "-100200300",
		IsActive: true,
	}
}

func TestNotify_SendsMessage(t *testing.T) {
	n, sent := fakeTelegram(t, false)

	n.Notify(context.Background(), []models.TelegramChannel{activeChannel()},
		models.NotifyPaymentReceived, "Получен платеж pay-1 (payment.succeeded)", "")

	if len(*sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(*sent))
	}
	msg := (*sent)[0]
	if msg.path != "/bottoken-1/sendMessage" {
		t.Errorf("unexpected path: %q", msg.path)
	}
	if msg.chatID != "-100200300" {
		t.Errorf("unexpected chat_id: %q", msg.chatID)
	}
	if msg.text != "Получен платеж pay-1 (payment.succeeded)" {
		t.Errorf("unexpected text: %q", msg.text)
	}
	if msg.preview != "true" {
		t.Errorf("expected disabled preview, got %q", msg.preview)
	}
	if msg.threadID != "" {
		t.Errorf("thread id must be absent, got %q", msg.threadID)
	}
}

func TestNotify_EventFilter(t *testing.T) {
	n, sent := fakeTelegram(t, false)

	channel := activeChannel()
	channel.Events = []string{models.NotifyReceiptCreated}

	n.Notify(context.Background(), []models.TelegramChannel{channel}, models.NotifyPaymentReceived, "платёж", "")
	if len(*sent) != 0 {
		t.Fatalf("channel is not subscribed, got %d messages", len(*sent))
	}

	n.Notify(context.Background(), []models.TelegramChannel{channel}, models.NotifyReceiptCreated, "чек", "")
	if len(*sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(*sent))
	}
}

func TestNotify_ReceiptURLAppended(t *testing.T) {
	n, sent := fakeTelegram(t, false)

	withURL := activeChannel()
	withURL.IncludeReceiptURL = true
	withoutURL := activeChannel()
	withoutURL.ID = 2
	withoutURL.ChatID = "-100200301"

	n.Notify(context.Background(), []models.TelegramChannel{withURL, withoutURL},
		models.NotifyReceiptCreated, "Сформирован чек для платежа pay-1", "https://lknpd.nalog.ru/web/receipts/abc")

	if len(*sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(*sent))
	}
	if !strings.HasSuffix((*sent)[0].text, "\nЧек: https://lknpd.nalog.ru/web/receipts/abc") {
		t.Errorf("expected receipt url appended, got %q", (*sent)[0].text)
	}
	if strings.Contains((*sent)[1].text, "Чек:") {
		t.Errorf("url must not be appended, got %q", (*sent)[1].text)
	}
}

func TestNotify_TopicID(t *testing.T) {
	n, sent := fakeTelegram(t, false)

	topic := int64(42)
	channel := activeChannel()
	channel.TopicID = &topic

	n.Notify(context.Background(), []models.TelegramChannel{channel}, models.NotifyPaymentReceived, "платёж", "")

	if len(*sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(*sent))
	}
	if (*sent)[0].threadID != "42" {
		t.Errorf("expected thread id 42, got %q", (*sent)[0].threadID)
	}
}

func TestNotify_SkipsUnusableChannels(t *testing.T) {
	n, sent := fakeTelegram(t, false)

	inactive := activeChannel()
	inactive.IsActive = false
	noToken := activeChannel()
	noToken.ID = 2
	noToken.BotToken = ""
	noChat := activeChannel()
	noChat.ID = 3
	noChat.ChatID = ""

	n.Notify(context.Background(), []models.TelegramChannel{inactive, noToken, noChat},
		models.NotifyPaymentReceived, "платёж", "")

	if len(*sent) != 0 {
		t.Fatalf("expected no messages, got %d", len(*sent))
	}
}

func TestNotify_FailureDoesNotStopOthers(t *testing.T) {
	n, sent := fakeTelegram(t, true)

	first := activeChannel()
	second := activeChannel()
	second.ID = 2
	second.ChatID = "-100200301"

	// Оба запроса падают, но Notify не паникует и не прерывается
	n.Notify(context.Background(), []models.TelegramChannel{first, second},
		models.NotifyPaymentReceived, "платёж", "")

	if len(*sent) != 2 {
		t.Fatalf("expected both channels attempted, got %d", len(*sent))
	}
}

func TestNotify_BotCacheReuse(t *testing.T) {
	n, _ := fakeTelegram(t, false)

	channel := activeChannel()
	n.Notify(context.Background(), []models.TelegramChannel{channel}, models.NotifyPaymentReceived, "раз", "")
	n.Notify(context.Background(), []models.TelegramChannel{channel}, models.NotifyPaymentReceived, "два", "")

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.bots) != 1 {
		t.Fatalf("expected single cached bot, got %d", len(n.bots))
	}
}
