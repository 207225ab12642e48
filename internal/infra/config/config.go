package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"tg-group-report/internal/domain"
)

// AppConfig описывает конфигурацию приложения. Загружается один раз на старте
// и дальше передаётся компонентам явно.
type AppConfig struct {
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	Timezone string `envconfig:"TZ" default:"Asia/Shanghai"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		APIID       int    `envconfig:"TG_API_ID"`
		APIHash     string `envconfig:"TG_API_HASH"`
		Phone       string `envconfig:"TG_PHONE"`
		SessionName string `envconfig:"TG_SESSION_NAME" default:"default"`
		BotToken    string `envconfig:"TG_BOT_TOKEN"`
		BotTargetID int64  `envconfig:"TG_BOT_TARGET_CHAT_ID"`
	} `envconfig:""`

	Ingest struct {
		ChatsFile    string `envconfig:"CHATS_FILE" default:"config/chats.json"`
		PageSize     int    `envconfig:"INGEST_PAGE_SIZE" default:"100"`
		LookbackDays int    `envconfig:"INGEST_LOOKBACK_DAYS" default:"2"`
		MaxAttempts  int    `envconfig:"INGEST_MAX_ATTEMPTS" default:"5"`
	} `envconfig:""`

	Media struct {
		Download bool   `envconfig:"MEDIA_DOWNLOAD" default:"true"`
		MaxMB    int64  `envconfig:"MEDIA_MAX_MB" default:"10"`
		Dir      string `envconfig:"MEDIA_DIR" default:"data/media"`
	} `envconfig:""`

	Report struct {
		Dir             string        `envconfig:"REPORT_DIR" default:"reports"`
		SendToSaved     bool          `envconfig:"REPORT_SEND_TO_SAVED" default:"true"`
		MinThreadSize   int           `envconfig:"REPORT_MIN_THREAD_MESSAGES" default:"3"`
		SummaryCacheTTL time.Duration `envconfig:"REPORT_SUMMARY_CACHE_TTL" default:"72h"`
	} `envconfig:""`

	OpenAI struct {
		APIKey         string        `envconfig:"OPENAI_API_KEY"`
		BaseURL        string        `envconfig:"OPENAI_BASE_URL"`
		Model          string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout        time.Duration `envconfig:"OPENAI_TIMEOUT" default:"120s"`
		MaxPerBatch    int           `envconfig:"OPENAI_MAX_MESSAGES_PER_BATCH" default:"200"`
		MaxCategories  int           `envconfig:"OPENAI_MAX_CATEGORIES" default:"5"`
		EnableSummary  bool          `envconfig:"AI_SUMMARY_ENABLED" default:"false"`
		EnableClassify bool          `envconfig:"AI_CLASSIFY_ENABLED" default:"false"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Location возвращает часовой пояс отчётов.
func (c AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("часовой пояс %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// MediaPolicy собирает политику скачивания вложений.
func (c AppConfig) MediaPolicy() domain.MediaPolicy {
	return domain.MediaPolicy{Enabled: c.Media.Download, MaxBytes: c.Media.MaxMB * 1024 * 1024}
}

// LoadChats читает список отслеживаемых чатов из JSON-файла.
func LoadChats(path string) ([]domain.ChatConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение списка чатов: %w", err)
	}
	var file struct {
		Chats []domain.ChatConfig `json:"chats"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("разбор списка чатов: %w", err)
	}
	if len(file.Chats) == 0 {
		return nil, fmt.Errorf("список чатов пуст: %s", path)
	}
	for i, chat := range file.Chats {
		if chat.ChatID == 0 && chat.ChatLink == "" {
			return nil, fmt.Errorf("чат #%d: нужен chat_id или chat_link", i)
		}
	}
	return file.Chats, nil
}
