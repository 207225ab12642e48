package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tg-group-report/internal/domain"
	"tg-group-report/internal/infra/metrics"
)

// Result — построенный дневной отчёт.
type Result struct {
	Path     string
	Text     string
	Messages int
	Threads  int
}

// Service строит дневные отчёты по сохранённым сообщениям.
type Service struct {
	messages domain.MessageRepo
	gateway  domain.ChatGateway
	analyzer domain.Analyzer
	cache    domain.Cache
	loc      *time.Location
	dir      string
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewService создаёт сервис отчётов. analyzer может быть nil — отчёт тогда
// обходится без резюме тредов.
func NewService(messages domain.MessageRepo, gateway domain.ChatGateway, analyzer domain.Analyzer, cache domain.Cache, loc *time.Location, dir string, cacheTTL time.Duration, log zerolog.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 72 * time.Hour
	}
	return &Service{
		messages: messages,
		gateway:  gateway,
		analyzer: analyzer,
		cache:    cache,
		loc:      loc,
		dir:      dir,
		cacheTTL: cacheTTL,
		log:      log,
	}
}

// BuildDaily строит отчёт чата за календарный день day в часовом поясе
// сервиса и записывает его в каталог отчётов.
func (s *Service) BuildDaily(ctx context.Context, chat domain.ChatConfig, day time.Time) (Result, error) {
	start := time.Now()

	// Календарный день живёт в локальном поясе, выборка — в UTC-инстантах.
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	to := from.AddDate(0, 0, 1)

	msgs, err := s.messages.ListByRange(ctx, chat.ChatID, from.UTC(), to.UTC())
	if err != nil {
		return Result{}, fmt.Errorf("чтение сообщений чата %d: %w", chat.ChatID, err)
	}

	threads := groupThreads(msgs)
	summaries := s.summarize(ctx, chat, from, threads)

	text := FormatDaily(chat, from, s.loc, threads, summaries)

	path, err := s.writeFile(chat, from, text)
	if err != nil {
		return Result{}, err
	}

	metrics.ReportBuildSeconds.Observe(time.Since(start).Seconds())
	s.log.Info().
		Int64("chat_id", chat.ChatID).
		Str("date", from.Format("2006-01-02")).
		Int("messages", len(msgs)).
		Int("threads", len(threads.Ordered)).
		Str("path", path).
		Msg("отчёт построен")

	return Result{Path: path, Text: text, Messages: len(msgs), Threads: len(threads.Ordered)}, nil
}

// Send доставляет текст отчёта в Saved Messages аккаунта.
func (s *Service) Send(ctx context.Context, text string) error {
	return s.gateway.SendText(ctx, "me", text)
}

// summarize строит резюме реальных тредов. Результаты кэшируются: прошедший
// день не меняется, пересборка отчёта не должна заново жечь токены. Любой
// отказ анализатора деградирует до отчёта без резюме.
func (s *Service) summarize(ctx context.Context, chat domain.ChatConfig, day time.Time, threads Threads) map[int64]domain.ThreadSummary {
	if s.analyzer == nil {
		return nil
	}

	out := make(map[int64]domain.ThreadSummary)
	for _, tid := range threads.Ordered {
		if tid == domain.GeneralThreadID {
			continue
		}
		msgs := threads.ByID[tid]
		key := fmt.Sprintf("report:summary:%d:%d:%s:%d", chat.ChatID, tid, day.Format("2006-01-02"), len(msgs))

		if cached, err := s.cache.Get(ctx, key); err == nil {
			var summary domain.ThreadSummary
			if json.Unmarshal(cached, &summary) == nil {
				out[tid] = summary
				continue
			}
		}

		summary, err := s.analyzer.Summarize(ctx, chat, tid, msgs)
		if err != nil {
			s.log.Warn().Err(err).Int64("chat_id", chat.ChatID).Int64("thread_id", tid).Msg("резюме треда недоступно")
			// Пустое резюме даёт в отчёте строку деградации.
			out[tid] = domain.ThreadSummary{}
			continue
		}
		out[tid] = summary

		if blob, err := json.Marshal(summary); err == nil {
			if err := s.cache.Set(ctx, key, blob, s.cacheTTL); err != nil {
				s.log.Warn().Err(err).Msg("кэш резюме недоступен")
			}
		}
	}
	return out
}

func (s *Service) writeFile(chat domain.ChatConfig, day time.Time, text string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("создать каталог отчётов: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d.md", day.Format("2006-01-02"), safeChatName(chat.DisplayName()), chat.ChatID)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("запись отчёта: %w", err)
	}
	return path, nil
}

// Threads — сообщения дня, сгруппированные по тредам. Ordered содержит
// идентификаторы тредов по возрастанию, общая ветка всегда последняя.
type Threads struct {
	ByID    map[int64][]domain.Message
	Ordered []int64
}

func groupThreads(msgs []domain.Message) Threads {
	byID := make(map[int64][]domain.Message)
	for _, m := range msgs {
		tid := domain.GeneralThreadID
		if m.ThreadID != nil && *m.ThreadID != domain.GeneralThreadID {
			tid = *m.ThreadID
		}
		byID[tid] = append(byID[tid], m)
	}

	ordered := make([]int64, 0, len(byID))
	hasGeneral := false
	for tid := range byID {
		if tid == domain.GeneralThreadID {
			hasGeneral = true
			continue
		}
		ordered = append(ordered, tid)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	if hasGeneral {
		ordered = append(ordered, domain.GeneralThreadID)
	}
	return Threads{ByID: byID, Ordered: ordered}
}
