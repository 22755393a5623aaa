// Package notify рассылает события обработки платежей в Telegram-каналы.
package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"chekodel/internal/config"
	"chekodel/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notifier шлёт сообщения ботами каналов. Боты кэшируются по токену:
// каналов у магазина немного, а бот для tgbotapi — просто токен и клиент.
type Notifier struct {
	endpoint string
	client   *http.Client
	logger   *zerolog.Logger

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

func New(cfg config.TelegramConfig, logger *zerolog.Logger) *Notifier {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Notifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: config.Duration(cfg.Timeout, 15*time.Second)},
		logger:   logger,
		bots:     make(map[string]*tgbotapi.BotAPI),
	}
}

// botFor собирает бота без getMe: лишний поход в API на каждое
// уведомление ни к чему.
func (n *Notifier) botFor(token string) *tgbotapi.BotAPI {
	n.mu.Lock()
	defer n.mu.Unlock()

	if bot, ok := n.bots[token]; ok {
		return bot
	}

	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: n.client,
		Buffer: 100,
	}
	bot.SetAPIEndpoint(n.endpoint)
	n.bots[token] = bot
	return bot
}

// Notify шлёт сообщение каналам, подписанным на событие. Ошибки доставки
// только логируются: уведомления не должны влиять на обработку платежа.
func (n *Notifier) Notify(ctx context.Context, channels []models.TelegramChannel, eventName, message, receiptURL string) {
	for idx := range channels {
		channel := &channels[idx]
		if !channel.IsActive || channel.BotToken == "" || channel.ChatID == "" {
			continue
		}
		if !channel.WantsEvent(eventName) {
			continue
		}

		text := message
		if channel.IncludeReceiptURL && receiptURL != "" {
			text += "\nЧек: " + receiptURL
		}

		if err := n.send(channel, text); err != nil {
			n.logger.Error().Err(err).
				Int64("channel_id", channel.ID).
				Int64("store_id", channel.StoreID).
				Str("event", eventName).
				Msg("Failed to send telegram notification")
			continue
		}
		n.logger.Debug().
			Int64("channel_id", channel.ID).
			Str("event", eventName).
			Msg("Telegram notification sent")
	}
}

func (n *Notifier) send(channel *models.TelegramChannel, text string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", channel.ChatID)
	params.AddNonEmpty("text", text)
	params.AddBool("disable_web_page_preview", true)
	if channel.TopicID != nil {
		params.AddNonZero64("message_thread_id", *channel.TopicID)
	}

	_, err := n.botFor(channel.BotToken).MakeRequest("sendMessage", params)
	return err
}
