package domain

import (
	"context"
	"time"
)

// CheckpointRepo хранит вотермарки чатов.
type CheckpointRepo interface {
	Watermark(ctx context.Context, chatID int64) (int64, bool, error)
	SetWatermark(ctx context.Context, chatID, messageID int64) error
}

// MessageRepo управляет сообщениями.
type MessageRepo interface {
	// SaveMessages вставляет батч; дубликаты (chat_id, message_id) молча
	// пропускаются, возвращается число реально вставленных строк.
	SaveMessages(ctx context.Context, msgs []Message) (int, error)
	// ListByRange возвращает сообщения чата в полуинтервале [from, to),
	// отсортированные по времени по возрастанию.
	ListByRange(ctx context.Context, chatID int64, from, to time.Time) ([]Message, error)
	// ListForClassification возвращает сообщения чата начиная с since —
	// неклассифицированные плюс контекст для подвязки поздних ответов.
	ListForClassification(ctx context.Context, chatID int64, since time.Time) ([]Message, error)
	// AnnotateThread проставляет тред сообщению. Первая классификация
	// выигрывает; force разрешает явную переклассификацию.
	AnnotateThread(ctx context.Context, chatID, messageID, threadID int64, force bool) error
}

// ChatGateway — клиент платформы. Сессии, транспорт и лимиты скрыты за ним.
type ChatGateway interface {
	// FetchMessages возвращает страницу сообщений чата со строго большими
	// messageID, чем afterID, в порядке возрастания идентификаторов.
	// При afterID == 0 точкой отсчёта служит since: страница начинается
	// с первого сообщения после этого момента.
	FetchMessages(ctx context.Context, chat ChatConfig, afterID int64, since time.Time, pageSize int) ([]FetchedMessage, error)
	// DownloadMedia скачивает вложение сообщения в файл и возвращает путь.
	DownloadMedia(ctx context.Context, chat ChatConfig, msg FetchedMessage) (string, error)
	// SendText отправляет текст адресату ("me" — Saved Messages).
	SendText(ctx context.Context, target string, text string) error
}

// Analyzer — внешний классификатор и суммаризатор. Чисто вспомогательный:
// любые его отказы не влияют на корректность пайплайна.
type Analyzer interface {
	// Classify возвращает метку треда для каждого сообщения батча.
	Classify(ctx context.Context, chat ChatConfig, msgs []Message) (map[int64]string, error)
	// Summarize строит резюме треда по его сообщениям.
	Summarize(ctx context.Context, chat ChatConfig, threadID int64, msgs []Message) (ThreadSummary, error)
}

// RunLock защищает от параллельных прогонов одной конфигурации:
// одновременное продвижение вотермарок небезопасно.
type RunLock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Cache используется для простых TTL-хранилищ (кэш резюме).
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
