package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tg-group-report/internal/adapters/analyzer"
	"tg-group-report/internal/adapters/mtproto"
	"tg-group-report/internal/adapters/repo"
	"tg-group-report/internal/adapters/telegram"
	"tg-group-report/internal/domain"
	"tg-group-report/internal/infra/cache"
	"tg-group-report/internal/infra/config"
	"tg-group-report/internal/infra/db"
	"tg-group-report/internal/infra/lock"
	applog "tg-group-report/internal/infra/log"
	"tg-group-report/internal/infra/metrics"
	"tg-group-report/internal/infra/openai"
	"tg-group-report/internal/usecase/ingest"
	"tg-group-report/internal/usecase/report"
	"tg-group-report/internal/usecase/threads"
)

var rootCmd = &cobra.Command{
	Use:   "tgreport",
	Short: "tgreport — инкрементальный сбор групповых чатов Telegram и дневные отчёты",
}

var initSessionCmd = &cobra.Command{
	Use:   "init-session",
	Short: "Авторизовать MTProto сессию или импортировать существующую",
	RunE:  runInitSession,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Один прогон ингестии: новые сообщения всех чатов",
	RunE:  runPull,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Построить дневные отчёты по сохранённым сообщениям",
	RunE:  runReport,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Полный цикл: ингестия, классификация, отчёты, доставка",
	RunE:  runFull,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запускать полный цикл по расписанию",
	RunE:  runServe,
}

var (
	importFileFlag string
	dateFlag       string
	chatFlag       int64
	reclassifyFlag bool
	cronFlag       string
)

func init() {
	initSessionCmd.Flags().StringVar(&importFileFlag, "import-file", "", "файл сессии Telethon или gotd для импорта")
	reportCmd.Flags().StringVar(&dateFlag, "date", "", "день отчёта в формате 2006-01-02, по умолчанию сегодня")
	reportCmd.Flags().Int64Var(&chatFlag, "chat", 0, "ограничить одним chat_id")
	reportCmd.Flags().BoolVar(&reclassifyFlag, "reclassify", false, "переклассифицировать треды за день")
	runCmd.Flags().StringVar(&dateFlag, "date", "", "день отчёта в формате 2006-01-02, по умолчанию сегодня")
	serveCmd.Flags().StringVar(&cronFlag, "cron", "0 8 * * *", "cron-выражение запуска полного цикла")
	rootCmd.AddCommand(initSessionCmd, pullCmd, reportCmd, runCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app держит подключения процесса: одна сборка зависимостей на команду.
type app struct {
	cfg     config.AppConfig
	log     zerolog.Logger
	loc     *time.Location
	pool    *pgxpool.Pool
	repo    *repo.Postgres
	gateway *mtproto.Gateway
	redis   *redis.Client
	cache   domain.Cache
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	if cfg.PGDSN == "" {
		return nil, fmt.Errorf("не указан адрес БД (PG_DSN)")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("нет подключения к БД: %w", err)
	}
	if err := db.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	repoAdapter := repo.NewPostgres(pool)

	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		pool.Close()
		return nil, fmt.Errorf("не указаны токены приложения Telegram (TG_API_ID, TG_API_HASH)")
	}
	sessionDB := mtproto.NewSessionDB(repoAdapter, cfg.Telegram.SessionName)
	gateway := mtproto.NewGateway(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionDB, cfg.Media.Dir, logger.With().Str("component", "mtproto").Logger())

	a := &app{
		cfg:     cfg,
		log:     logger,
		loc:     loc,
		pool:    pool,
		repo:    repoAdapter,
		gateway: gateway,
		cache:   cache.Noop{},
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.cache = cache.NewRedis(a.redis)
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
}

// runLock защищает прогон: Redis, если он настроен, иначе файловый замок.
func (a *app) runLock() domain.RunLock {
	if a.redis != nil {
		return lock.NewRedis(a.redis, "tgreport:run", time.Hour)
	}
	return lock.NewFile(filepath.Join(os.TempDir(), "tgreport.run.lock"))
}

func (a *app) openaiClient() *openai.Client {
	return openai.NewClient(a.cfg.OpenAI.APIKey, a.cfg.OpenAI.BaseURL, a.cfg.OpenAI.Timeout)
}

// classifyAnalyzer возвращает анализатор для классификации тредов, nil —
// если она выключена.
func (a *app) classifyAnalyzer() domain.Analyzer {
	if a.cfg.OpenAI.APIKey == "" || !a.cfg.OpenAI.EnableClassify {
		return nil
	}
	return analyzer.NewOpenAI(a.openaiClient(), a.cfg.OpenAI.Model, a.cfg.OpenAI.Timeout, a.cfg.OpenAI.MaxPerBatch, a.cfg.OpenAI.MaxCategories)
}

// summaryAnalyzer возвращает анализатор для резюме отчётов, nil — если
// они выключены.
func (a *app) summaryAnalyzer() domain.Analyzer {
	if a.cfg.OpenAI.APIKey == "" || !a.cfg.OpenAI.EnableSummary {
		return nil
	}
	return analyzer.NewOpenAI(a.openaiClient(), a.cfg.OpenAI.Model, a.cfg.OpenAI.Timeout, a.cfg.OpenAI.MaxPerBatch, a.cfg.OpenAI.MaxCategories)
}

func (a *app) ingestService() *ingest.Service {
	return ingest.NewService(a.gateway, a.repo, a.repo, ingest.Options{
		PageSize:     a.cfg.Ingest.PageSize,
		LookbackDays: a.cfg.Ingest.LookbackDays,
		MaxAttempts:  a.cfg.Ingest.MaxAttempts,
		MediaPolicy:  a.cfg.MediaPolicy(),
	}, a.log.With().Str("component", "ingest").Logger())
}

func (a *app) threadsService() *threads.Service {
	return threads.NewService(a.repo, a.classifyAnalyzer(), a.cfg.Report.MinThreadSize, a.log.With().Str("component", "threads").Logger())
}

func (a *app) reportService() *report.Service {
	return report.NewService(a.repo, a.gateway, a.summaryAnalyzer(), a.cache, a.loc, a.cfg.Report.Dir, a.cfg.Report.SummaryCacheTTL, a.log.With().Str("component", "report").Logger())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runInitSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if importFileFlag != "" {
		raw, err := os.ReadFile(importFileFlag)
		if err != nil {
			return fmt.Errorf("чтение файла сессии: %w", err)
		}
		normalized, converted, err := mtproto.NormalizeSessionBytes(raw)
		if err != nil {
			return err
		}
		if err := a.repo.StoreMTProtoSession(ctx, a.cfg.Telegram.SessionName, normalized); err != nil {
			return err
		}
		a.log.Info().Str("session", a.cfg.Telegram.SessionName).Bool("converted", converted).Msg("сессия импортирована")
		return nil
	}

	if a.cfg.Telegram.Phone == "" {
		return fmt.Errorf("не указан номер телефона (TG_PHONE)")
	}
	return a.gateway.Authorize(ctx, termAuth{phone: a.cfg.Telegram.Phone})
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	release, err := a.runLock().Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	chats, err := config.LoadChats(a.cfg.Ingest.ChatsFile)
	if err != nil {
		return err
	}

	return a.gateway.Run(ctx, func(ctx context.Context) error {
		return pullChats(ctx, a, chats)
	})
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	day, err := resolveDate(dateFlag, a.loc)
	if err != nil {
		return err
	}
	chats, err := config.LoadChats(a.cfg.Ingest.ChatsFile)
	if err != nil {
		return err
	}
	chats = filterChats(chats, chatFlag)
	if len(chats) == 0 {
		return fmt.Errorf("чат %d отсутствует в конфигурации", chatFlag)
	}

	return a.gateway.Run(ctx, func(ctx context.Context) error {
		return buildReports(ctx, a, chats, day, reclassifyFlag)
	})
}

func runFull(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	day, err := resolveDate(dateFlag, a.loc)
	if err != nil {
		return err
	}
	return fullCycle(ctx, a, day)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, a.log.With().Str("component", "metrics").Logger(), a.cfg.MetricsAddr)

	c := cron.New(cron.WithLocation(a.loc))
	_, err = c.AddFunc(cronFlag, func() {
		// По расписанию закрываем вчерашний день: он уже не изменится.
		day := time.Now().In(a.loc).AddDate(0, 0, -1)
		if err := fullCycle(ctx, a, day); err != nil {
			a.log.Error().Err(err).Msg("плановый прогон завершился ошибкой")
		}
	})
	if err != nil {
		return fmt.Errorf("расписание %q: %w", cronFlag, err)
	}

	a.log.Info().Str("cron", cronFlag).Str("tz", a.loc.String()).Msg("планировщик запущен")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// fullCycle выполняет прогон целиком под замком: ингестия, классификация,
// отчёты и доставка.
func fullCycle(ctx context.Context, a *app, day time.Time) error {
	release, err := a.runLock().Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	chats, err := config.LoadChats(a.cfg.Ingest.ChatsFile)
	if err != nil {
		return err
	}

	return a.gateway.Run(ctx, func(ctx context.Context) error {
		if err := pullChats(ctx, a, chats); err != nil {
			return err
		}
		return buildReports(ctx, a, chats, day, false)
	})
}

// pullChats забирает новые сообщения и классифицирует треды. Ошибки
// отдельных чатов не фатальны и не портят код возврата.
func pullChats(ctx context.Context, a *app, chats []domain.ChatConfig) error {
	ingestReport, err := a.ingestService().Run(ctx, chats)
	if err != nil {
		return err
	}
	if failed := ingestReport.Failed(); failed > 0 {
		a.log.Warn().Int("failed", failed).Int("total", len(ingestReport.Chats)).Msg("часть чатов не обработана")
	}

	threadsSvc := a.threadsService()
	since := time.Now().UTC().AddDate(0, 0, -a.cfg.Ingest.LookbackDays)
	for _, chat := range chats {
		if _, err := threadsSvc.Classify(ctx, chat, since, false); err != nil {
			a.log.Error().Err(err).Int64("chat_id", chat.ChatID).Msg("классификация тредов не удалась")
		}
	}
	return nil
}

// buildReports строит отчёты чатов за день и доставляет объединённый текст.
func buildReports(ctx context.Context, a *app, chats []domain.ChatConfig, day time.Time, reclassify bool) error {
	if reclassify {
		threadsSvc := a.threadsService()
		dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, a.loc).UTC()
		for _, chat := range chats {
			if _, err := threadsSvc.Classify(ctx, chat, dayStart, true); err != nil {
				a.log.Error().Err(err).Int64("chat_id", chat.ChatID).Msg("переклассификация не удалась")
			}
		}
	}

	reportSvc := a.reportService()
	texts := make([]string, 0, len(chats))
	for _, chat := range chats {
		res, err := reportSvc.BuildDaily(ctx, chat, day)
		if err != nil {
			a.log.Error().Err(err).Int64("chat_id", chat.ChatID).Msg("отчёт чата не построен")
			continue
		}
		texts = append(texts, res.Text)
	}
	if len(texts) == 0 {
		return fmt.Errorf("ни один отчёт не построен")
	}

	combined := strings.Join(texts, "\n\n---\n\n")
	if a.cfg.Report.SendToSaved {
		if err := reportSvc.Send(ctx, combined); err != nil {
			a.log.Error().Err(err).Msg("не удалось отправить отчёт в Saved Messages")
		}
	}
	if a.cfg.Telegram.BotToken != "" && a.cfg.Telegram.BotTargetID != 0 {
		sink, err := telegram.NewBotSink(a.cfg.Telegram.BotToken, a.cfg.Telegram.BotTargetID, a.log.With().Str("component", "bot").Logger())
		if err != nil {
			a.log.Error().Err(err).Msg("доставка ботом недоступна")
		} else if err := sink.Deliver(combined); err != nil {
			a.log.Error().Err(err).Msg("не удалось доставить отчёт ботом")
		}
	}
	return nil
}

// resolveDate разбирает --date в локальном поясе, пустое значение — сегодня.
func resolveDate(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Now().In(loc), nil
	}
	day, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("дата %q: ожидается формат 2006-01-02", value)
	}
	return day, nil
}

func filterChats(chats []domain.ChatConfig, chatID int64) []domain.ChatConfig {
	if chatID == 0 {
		return chats
	}
	out := make([]domain.ChatConfig, 0, 1)
	for _, chat := range chats {
		if chat.ChatID == chatID {
			out = append(out, chat)
		}
	}
	return out
}
