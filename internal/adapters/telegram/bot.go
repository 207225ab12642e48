package telegram

import (
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-group-report/internal/infra/metrics"
)

// BotSink доставляет отчёты оператору через Bot API. Это дополнительный
// канал доставки рядом с Saved Messages: боту достаточно токена, личная
// MTProto сессия не нужна.
type BotSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewBotSink создаёт доставку в указанный чат бота.
func NewBotSink(token string, chatID int64, log zerolog.Logger) (*BotSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("инициализация Bot API: %w", err)
	}
	return &BotSink{bot: bot, chatID: chatID, log: log}, nil
}

// Deliver отправляет текст, разбивая его по лимиту Telegram.
func (s *BotSink) Deliver(text string) error {
	parts := splitForDelivery(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(s.chatID, part)
		start := time.Now()
		_, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(s.chatID, 10), start, err)
		if err != nil {
			return fmt.Errorf("отправка отчёта ботом: %w", err)
		}
	}
	s.log.Info().Int64("chat_id", s.chatID).Int("parts", len(parts)).Msg("отчёт доставлен ботом")
	return nil
}
