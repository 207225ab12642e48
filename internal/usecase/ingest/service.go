package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-group-report/internal/domain"
	"tg-group-report/internal/infra/metrics"
)

// Options настраивают прогон ингестии.
type Options struct {
	PageSize     int
	LookbackDays int
	MaxAttempts  int
	MediaPolicy  domain.MediaPolicy
}

// Service инкрементально забирает историю чатов и сохраняет её с вотермарками.
type Service struct {
	gateway     domain.ChatGateway
	messages    domain.MessageRepo
	checkpoints domain.CheckpointRepo
	opts        Options
	log         zerolog.Logger
	now         func() time.Time
}

// NewService создаёт сервис ингестии.
func NewService(gateway domain.ChatGateway, messages domain.MessageRepo, checkpoints domain.CheckpointRepo, opts Options, log zerolog.Logger) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Service{
		gateway:     gateway,
		messages:    messages,
		checkpoints: checkpoints,
		opts:        opts,
		log:         log,
		now:         time.Now,
	}
}

// Run обрабатывает чаты последовательно. Ошибка одного чата фиксируется в
// результате и не прерывает остальные; ошибки хранилища фатальны для всего
// прогона, потому что без него нет ни дедупликации, ни вотермарок.
func (s *Service) Run(ctx context.Context, chats []domain.ChatConfig) (domain.RunReport, error) {
	report := domain.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: s.now().UTC(),
	}

	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, fatal := s.runChat(ctx, chat)
		report.Chats = append(report.Chats, res)
		if res.Err != nil {
			metrics.IncChatError(chat.ChatID, errorKind(res.Err))
			s.log.Error().Err(res.Err).Int64("chat_id", chat.ChatID).Str("chat", chat.DisplayName()).Msg("чат пропущен из-за ошибки")
		} else {
			s.log.Info().
				Int64("chat_id", chat.ChatID).
				Str("chat", chat.DisplayName()).
				Int("fetched", res.Fetched).
				Int("inserted", res.Inserted).
				Int64("watermark", res.Watermark).
				Msg("чат обработан")
		}
		if fatal != nil {
			report.FinishedAt = s.now().UTC()
			return report, fatal
		}
	}

	report.FinishedAt = s.now().UTC()
	return report, nil
}

// runChat возвращает итог чата и отдельно фатальную ошибку хранилища.
func (s *Service) runChat(ctx context.Context, chat domain.ChatConfig) (domain.ChatRunResult, error) {
	res := domain.ChatRunResult{Chat: chat}

	watermark, _, err := s.checkpoints.Watermark(ctx, chat.ChatID)
	if err != nil {
		res.Err = err
		return res, fmt.Errorf("чтение вотермарки чата %d: %w", chat.ChatID, err)
	}
	res.Watermark = watermark

	since := s.now().UTC().AddDate(0, 0, -s.opts.LookbackDays)

	for {
		page, err := s.fetchPage(ctx, chat, res.Watermark, since)
		if err != nil {
			res.Err = err
			return res, nil
		}
		if len(page) == 0 {
			return res, nil
		}
		metrics.IncPage(chat.ChatID, nil)
		res.Fetched += len(page)

		msgs := make([]domain.Message, 0, len(page))
		pageMax := res.Watermark
		for _, fetched := range page {
			msg := fetched.Message
			if s.wantMedia(fetched) {
				path, err := s.gateway.DownloadMedia(ctx, chat, fetched)
				if err != nil {
					// Вложение не критично: сообщение сохраняем без него.
					s.log.Warn().Err(err).Int64("chat_id", chat.ChatID).Int64("message_id", msg.MessageID).Msg("не удалось скачать вложение")
				} else {
					msg.MediaRef = path
				}
			}
			msgs = append(msgs, msg)
			if msg.MessageID > pageMax {
				pageMax = msg.MessageID
			}
		}

		// Порядок write-ahead: сначала сообщения, затем вотермарка. При
		// падении между шагами повтор перечитает страницу, а дедупликация
		// по (chat_id, message_id) погасит дубликаты.
		inserted, err := s.messages.SaveMessages(ctx, msgs)
		if err != nil {
			res.Err = err
			return res, fmt.Errorf("сохранение сообщений чата %d: %w", chat.ChatID, err)
		}
		res.Inserted += inserted
		metrics.IncInserted(chat.ChatID, inserted)

		if err := s.checkpoints.SetWatermark(ctx, chat.ChatID, pageMax); err != nil {
			res.Err = err
			return res, fmt.Errorf("продвижение вотермарки чата %d: %w", chat.ChatID, err)
		}
		res.Watermark = pageMax
	}
}

// fetchPage запрашивает страницу с повторами: транзиентные ошибки и
// флуд-лимиты выжидаются, невосстановимые прекращают попытки сразу.
func (s *Service) fetchPage(ctx context.Context, chat domain.ChatConfig, afterID int64, since time.Time) ([]domain.FetchedMessage, error) {
	var page []domain.FetchedMessage

	op := func() error {
		fetched, err := s.gateway.FetchMessages(ctx, chat, afterID, since, s.opts.PageSize)
		if err != nil {
			if domain.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			if wait, ok := domain.RetryAfter(err); ok {
				s.log.Warn().Dur("wait", wait).Int64("chat_id", chat.ChatID).Msg("флуд-лимит, ждём")
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(wait):
				}
			}
			return err
		}
		page = fetched
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.opts.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		metrics.IncPage(chat.ChatID, err)
		return nil, err
	}
	return page, nil
}

func errorKind(err error) string {
	if domain.IsPermanent(err) {
		return "permanent"
	}
	if _, ok := domain.RetryAfter(err); ok {
		return "rate_limited"
	}
	return "transient"
}

func (s *Service) wantMedia(fetched domain.FetchedMessage) bool {
	if !fetched.HasMedia || fetched.MediaHandle == nil {
		return false
	}
	return s.opts.MediaPolicy.Allows(fetched.VideoOrVoice, fetched.MediaSize)
}
