package repo

import (
	"context"
	"errors"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-group-report/internal/domain"
	"tg-group-report/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.MessageRepo    = (*Postgres)(nil)
	_ domain.CheckpointRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// SaveMessages вставляет батч сообщений. Дубликаты по (chat_id, message_id)
// молча пропускаются: сообщение после захвата неизменяемо, повторная ингестия
// не должна ничего перезаписывать.
func (p *Postgres) SaveMessages(ctx context.Context, msgs []domain.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
INSERT INTO messages (chat_id, message_id, sender_id, sender_name, text, ts, reply_to, media_type, media_ref, thread_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (chat_id, message_id) DO NOTHING
`, m.ChatID, m.MessageID, m.SenderID, m.SenderName, m.Text, m.Timestamp.UTC(), m.ReplyTo, m.MediaType, m.MediaRef, m.ThreadID)
	}
	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range msgs {
		tag, err := br.Exec()
		if err != nil {
			metrics.ObserveNetworkRequest("postgres", "messages_batch_exec", "messages", start, err)
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	metrics.ObserveNetworkRequest("postgres", "messages_batch_exec", "messages", start, nil)
	return inserted, nil
}

// ListByRange возвращает сообщения чата в полуинтервале [from, to) по ts ASC.
func (p *Postgres) ListByRange(ctx context.Context, chatID int64, from, to time.Time) ([]domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT chat_id, message_id, sender_id, sender_name, text, ts, reply_to, media_type, media_ref, thread_id, created_at
FROM messages
WHERE chat_id = $1 AND ts >= $2 AND ts < $3
ORDER BY ts ASC, message_id ASC
`, chatID, from.UTC(), to.UTC())
	metrics.ObserveNetworkRequest("postgres", "messages_list_range", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListForClassification возвращает сообщения чата начиная с since: ещё не
// классифицированные плюс хвост уже классифицированных как контекст для
// подвязки поздних ответов к открытым веткам.
func (p *Postgres) ListForClassification(ctx context.Context, chatID int64, since time.Time) ([]domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT chat_id, message_id, sender_id, sender_name, text, ts, reply_to, media_type, media_ref, thread_id, created_at
FROM messages
WHERE chat_id = $1 AND ts >= $2
ORDER BY message_id ASC
`, chatID, since.UTC())
	metrics.ObserveNetworkRequest("postgres", "messages_list_classify", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AnnotateThread проставляет тред сообщению. Без force обновляются только
// строки с thread_id IS NULL: первая классификация выигрывает.
func (p *Postgres) AnnotateThread(ctx context.Context, chatID, messageID, threadID int64, force bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := `UPDATE messages SET thread_id = $3 WHERE chat_id = $1 AND message_id = $2 AND thread_id IS NULL`
	if force {
		query = `UPDATE messages SET thread_id = $3 WHERE chat_id = $1 AND message_id = $2`
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, query, chatID, messageID, threadID)
	metrics.ObserveNetworkRequest("postgres", "messages_annotate_thread", "messages", start, err)
	return err
}

// Watermark возвращает вотермарку чата; false — ингестии ещё не было.
func (p *Postgres) Watermark(ctx context.Context, chatID int64) (int64, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var last int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT last_message_id FROM checkpoints WHERE chat_id = $1`, chatID).Scan(&last)
	metrics.ObserveNetworkRequest("postgres", "checkpoints_get", "checkpoints", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return last, true, nil
}

// SetWatermark продвигает вотермарку. Движение назад прижимается через
// GREATEST: вотермарка монотонно неубывающая.
func (p *Postgres) SetWatermark(ctx context.Context, chatID, messageID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO checkpoints (chat_id, last_message_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (chat_id) DO UPDATE
SET last_message_id = GREATEST(checkpoints.last_message_id, EXCLUDED.last_message_id), updated_at = now()
`, chatID, messageID)
	metrics.ObserveNetworkRequest("postgres", "checkpoints_set", "checkpoints", start, err)
	return err
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}

func scanMessages(rows pgx.Rows) ([]domain.Message, error) {
	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.SenderID, &m.SenderName, &m.Text, &m.Timestamp, &m.ReplyTo, &m.MediaType, &m.MediaRef, &m.ThreadID, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
