package domain

import (
	"strconv"
	"time"
)

// GeneralThreadID — неявная «общая» ветка: туда попадают сообщения без
// собственного треда (мелкие компоненты, отключённая классификация).
const GeneralThreadID int64 = -1

// Message описывает одно нормализованное сообщение группового чата.
// После записи строка неизменяема, кроме однократного проставления ThreadID.
type Message struct {
	ChatID     int64
	MessageID  int64
	SenderID   int64
	SenderName string
	Text       string
	Timestamp  time.Time
	ReplyTo    *int64
	MediaType  string
	MediaRef   string
	ThreadID   *int64
	CreatedAt  time.Time
}

// Checkpoint хранит верхнюю границу уже сохранённых сообщений чата.
type Checkpoint struct {
	ChatID        int64
	LastMessageID int64
	UpdatedAt     time.Time
}

// ChatConfig описывает один отслеживаемый чат из конфигурации.
type ChatConfig struct {
	ChatID                     int64  `json:"chat_id"`
	ChatLink                   string `json:"chat_link,omitempty"`
	Name                       string `json:"name,omitempty"`
	ChatType                   string `json:"chat_type,omitempty"`
	EnableThreadClassification bool   `json:"enable_thread_classification,omitempty"`
	MinThreadMessages          int    `json:"min_thread_messages,omitempty"`
}

// DisplayName возвращает имя чата для заголовков отчётов и логов.
func (c ChatConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.ChatLink != "" {
		return c.ChatLink
	}
	return "chat_" + strconv.FormatInt(c.ChatID, 10)
}

// Thread — производная группировка сообщений одного чата.
type Thread struct {
	ThreadID   int64
	ChatID     int64
	MessageIDs []int64
	Label      string
}

// MediaPolicy определяет, какие вложения скачиваются.
type MediaPolicy struct {
	Enabled  bool
	MaxBytes int64
}

// Allows сообщает, проходит ли вложение по типу и размеру.
// Видео и голосовые исключены независимо от размера; граница размера включительна.
func (p MediaPolicy) Allows(isVideoOrVoice bool, size int64) bool {
	if !p.Enabled || isVideoOrVoice {
		return false
	}
	return size >= 0 && size <= p.MaxBytes
}

// FetchedMessage — сообщение, полученное от платформы, вместе с метаданными
// вложения, нужными для применения медиа-политики. MediaHandle — непрозрачный
// дескриптор вложения, который понимает только выдавший его ChatGateway.
type FetchedMessage struct {
	Message      Message
	HasMedia     bool
	VideoOrVoice bool
	MediaSize    int64
	FileName     string
	MediaHandle  any
}

// ChatRunResult — итог обработки одного чата в рамках прогона ингестии.
type ChatRunResult struct {
	Chat      ChatConfig
	Inserted  int
	Fetched   int
	Watermark int64
	Err       error
}

// RunReport агрегирует результаты прогона по всем чатам.
type RunReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Chats      []ChatRunResult
}

// Failed возвращает количество чатов, завершившихся ошибкой.
func (r RunReport) Failed() int {
	n := 0
	for _, c := range r.Chats {
		if c.Err != nil {
			n++
		}
	}
	return n
}

// ThreadSummary — результат внешней суммаризации одного треда.
type ThreadSummary struct {
	Overall    string
	Categories []SummaryCategory
}

// SummaryCategory — тематический блок внутри резюме треда.
type SummaryCategory struct {
	Name       string
	Summary    string
	MessageIDs []int64
}
