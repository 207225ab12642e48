package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	IngestMessagesInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_inserted_total",
		Help: "Количество сохранённых новых сообщений",
	}, []string{"chat_id"})

	IngestPages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pages_total",
		Help: "Количество обработанных страниц истории",
	}, []string{"chat_id", "status"})

	IngestChatErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_chat_errors_total",
		Help: "Ошибки ингестии по чатам",
	}, []string{"chat_id", "kind"})

	MediaDownloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "media_downloads_total",
		Help: "Результаты скачивания вложений",
	}, []string{"status"})

	ReportBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "report_build_seconds",
		Help:    "Время построения отчёта",
		Buckets: prometheus.DefBuckets,
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		IngestMessagesInserted,
		IngestPages,
		IngestChatErrors,
		MediaDownloads,
		ReportBuildSeconds,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает служебный HTTP сервер с /metrics и /healthz.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// IncInserted увеличивает счётчик вставленных сообщений чата.
func IncInserted(chatID int64, n int) {
	if n <= 0 {
		return
	}
	IngestMessagesInserted.WithLabelValues(strconv.FormatInt(chatID, 10)).Add(float64(n))
}

// IncPage учитывает обработанную страницу истории.
func IncPage(chatID int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	IngestPages.WithLabelValues(strconv.FormatInt(chatID, 10), status).Inc()
}

// IncChatError учитывает ошибку чата с категорией.
func IncChatError(chatID int64, kind string) {
	IngestChatErrors.WithLabelValues(strconv.FormatInt(chatID, 10), kind).Inc()
}

// IncMediaDownload учитывает попытку скачивания вложения.
func IncMediaDownload(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	MediaDownloads.WithLabelValues(status).Inc()
}
