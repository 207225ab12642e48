package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-group-report/internal/domain"
)

type stubGateway struct {
	pages     map[int64][][]domain.FetchedMessage
	calls     map[int64]int
	fetchErr  map[int64]error
	downloads []int64
	dlErr     error
}

func (s *stubGateway) FetchMessages(_ context.Context, chat domain.ChatConfig, afterID int64, _ time.Time, _ int) ([]domain.FetchedMessage, error) {
	if err, ok := s.fetchErr[chat.ChatID]; ok && err != nil {
		return nil, err
	}
	call := s.calls[chat.ChatID]
	s.calls[chat.ChatID] = call + 1
	pages := s.pages[chat.ChatID]
	if call >= len(pages) {
		return nil, nil
	}
	out := make([]domain.FetchedMessage, 0, len(pages[call]))
	for _, m := range pages[call] {
		if m.Message.MessageID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubGateway) DownloadMedia(_ context.Context, _ domain.ChatConfig, msg domain.FetchedMessage) (string, error) {
	if s.dlErr != nil {
		return "", s.dlErr
	}
	s.downloads = append(s.downloads, msg.Message.MessageID)
	return "/tmp/media/file", nil
}

func (s *stubGateway) SendText(context.Context, string, string) error { return nil }

type stubStore struct {
	saved      []domain.Message
	seen       map[int64]map[int64]bool
	watermarks map[int64]int64
	setCalls   []int64
	saveErr    error
	wmErr      error
}

func newStubStore() *stubStore {
	return &stubStore{seen: make(map[int64]map[int64]bool), watermarks: make(map[int64]int64)}
}

func (s *stubStore) SaveMessages(_ context.Context, msgs []domain.Message) (int, error) {
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	inserted := 0
	for _, m := range msgs {
		if s.seen[m.ChatID] == nil {
			s.seen[m.ChatID] = make(map[int64]bool)
		}
		if s.seen[m.ChatID][m.MessageID] {
			continue
		}
		s.seen[m.ChatID][m.MessageID] = true
		s.saved = append(s.saved, m)
		inserted++
	}
	return inserted, nil
}

func (s *stubStore) ListByRange(context.Context, int64, time.Time, time.Time) ([]domain.Message, error) {
	return nil, nil
}

func (s *stubStore) ListForClassification(context.Context, int64, time.Time) ([]domain.Message, error) {
	return nil, nil
}

func (s *stubStore) AnnotateThread(context.Context, int64, int64, int64, bool) error { return nil }

func (s *stubStore) Watermark(_ context.Context, chatID int64) (int64, bool, error) {
	if s.wmErr != nil {
		return 0, false, s.wmErr
	}
	wm, ok := s.watermarks[chatID]
	return wm, ok, nil
}

func (s *stubStore) SetWatermark(_ context.Context, chatID, messageID int64) error {
	if s.wmErr != nil {
		return s.wmErr
	}
	if messageID > s.watermarks[chatID] {
		s.watermarks[chatID] = messageID
	}
	s.setCalls = append(s.setCalls, messageID)
	return nil
}

func fetched(chatID, msgID int64) domain.FetchedMessage {
	return domain.FetchedMessage{Message: domain.Message{
		ChatID:    chatID,
		MessageID: msgID,
		Timestamp: time.Now().UTC(),
		Text:      "текст",
	}}
}

func newService(gw *stubGateway, store *stubStore, policy domain.MediaPolicy) *Service {
	return NewService(gw, store, store, Options{PageSize: 2, MaxAttempts: 1, MediaPolicy: policy}, zerolog.Nop())
}

func TestRunSavesPagesAndAdvancesWatermark(t *testing.T) {
	chat := domain.ChatConfig{ChatID: 10, Name: "демо"}
	gw := &stubGateway{
		calls: map[int64]int{},
		pages: map[int64][][]domain.FetchedMessage{
			10: {
				{fetched(10, 1), fetched(10, 2)},
				{fetched(10, 3)},
			},
		},
	}
	store := newStubStore()

	report, err := newService(gw, store, domain.MediaPolicy{}).Run(context.Background(), []domain.ChatConfig{chat})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Failed() != 0 {
		t.Fatalf("не ожидали ошибок чатов")
	}
	if len(store.saved) != 3 {
		t.Fatalf("ожидали 3 сохранённых сообщения, получили %d", len(store.saved))
	}
	if store.watermarks[10] != 3 {
		t.Fatalf("ожидали вотермарку 3, получили %d", store.watermarks[10])
	}
	// Вотермарка двигается после каждой сохранённой страницы.
	if len(store.setCalls) != 2 || store.setCalls[0] != 2 || store.setCalls[1] != 3 {
		t.Fatalf("ожидали продвижение вотермарки 2, затем 3, получили %v", store.setCalls)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	chat := domain.ChatConfig{ChatID: 10}
	pages := map[int64][][]domain.FetchedMessage{
		10: {{fetched(10, 1), fetched(10, 2)}},
	}
	store := newStubStore()

	gw := &stubGateway{calls: map[int64]int{}, pages: pages}
	if _, err := newService(gw, store, domain.MediaPolicy{}).Run(context.Background(), []domain.ChatConfig{chat}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// Повтор с теми же страницами: дубликаты гасятся, вотермарка не падает.
	gw = &stubGateway{calls: map[int64]int{}, pages: pages}
	report, err := newService(gw, store, domain.MediaPolicy{}).Run(context.Background(), []domain.ChatConfig{chat})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(store.saved) != 2 {
		t.Fatalf("ожидали 2 сообщения после повтора, получили %d", len(store.saved))
	}
	if report.Chats[0].Inserted != 0 {
		t.Fatalf("повтор не должен вставлять дубликаты, вставил %d", report.Chats[0].Inserted)
	}
	if store.watermarks[10] != 2 {
		t.Fatalf("вотермарка не должна меняться, получили %d", store.watermarks[10])
	}
}

func TestRunChatErrorDoesNotStopOthers(t *testing.T) {
	broken := domain.ChatConfig{ChatID: 1}
	healthy := domain.ChatConfig{ChatID: 2}
	gw := &stubGateway{
		calls: map[int64]int{},
		pages: map[int64][][]domain.FetchedMessage{
			2: {{fetched(2, 5)}},
		},
		fetchErr: map[int64]error{
			1: domain.NewPermanentError(errors.New("чат недоступен")),
		},
	}
	store := newStubStore()

	report, err := newService(gw, store, domain.MediaPolicy{}).Run(context.Background(), []domain.ChatConfig{broken, healthy})
	if err != nil {
		t.Fatalf("ошибка чата не должна быть фатальной: %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("ожидали 1 упавший чат, получили %d", report.Failed())
	}
	if store.watermarks[2] != 5 {
		t.Fatalf("здоровый чат должен быть обработан")
	}
	if _, ok := store.watermarks[1]; ok {
		t.Fatalf("вотермарка упавшего чата не должна двигаться")
	}
}

func TestRunStorageErrorIsFatal(t *testing.T) {
	chat := domain.ChatConfig{ChatID: 10}
	gw := &stubGateway{
		calls: map[int64]int{},
		pages: map[int64][][]domain.FetchedMessage{10: {{fetched(10, 1)}}},
	}
	store := newStubStore()
	store.saveErr = errors.New("БД недоступна")

	_, err := newService(gw, store, domain.MediaPolicy{}).Run(context.Background(), []domain.ChatConfig{chat})
	if err == nil {
		t.Fatalf("ошибка хранилища должна прерывать прогон")
	}
}

func TestRunMediaPolicy(t *testing.T) {
	policy := domain.MediaPolicy{Enabled: true, MaxBytes: 100}

	small := fetched(10, 1)
	small.HasMedia = true
	small.MediaSize = 50
	small.MediaHandle = struct{}{}

	exact := fetched(10, 2)
	exact.HasMedia = true
	exact.MediaSize = 100
	exact.MediaHandle = struct{}{}

	tooBig := fetched(10, 3)
	tooBig.HasMedia = true
	tooBig.MediaSize = 101
	tooBig.MediaHandle = struct{}{}

	video := fetched(10, 4)
	video.HasMedia = true
	video.MediaSize = 10
	video.VideoOrVoice = true
	video.MediaHandle = struct{}{}

	gw := &stubGateway{
		calls: map[int64]int{},
		pages: map[int64][][]domain.FetchedMessage{10: {{small, exact, tooBig, video}}},
	}
	store := newStubStore()

	_, err := newService(gw, store, policy).Run(context.Background(), []domain.ChatConfig{{ChatID: 10}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Граница включительна: ровно 100 байт проходит, 101 — нет, видео — никогда.
	if len(gw.downloads) != 2 || gw.downloads[0] != 1 || gw.downloads[1] != 2 {
		t.Fatalf("ожидали скачивание сообщений 1 и 2, получили %v", gw.downloads)
	}
	if len(store.saved) != 4 {
		t.Fatalf("все сообщения сохраняются независимо от вложений, получили %d", len(store.saved))
	}
}

func TestRunDownloadFailureKeepsMessage(t *testing.T) {
	msg := fetched(10, 1)
	msg.HasMedia = true
	msg.MediaSize = 10
	msg.MediaHandle = struct{}{}

	gw := &stubGateway{
		calls: map[int64]int{},
		pages: map[int64][][]domain.FetchedMessage{10: {{msg}}},
		dlErr: errors.New("сеть"),
	}
	store := newStubStore()

	report, err := newService(gw, store, domain.MediaPolicy{Enabled: true, MaxBytes: 100}).Run(context.Background(), []domain.ChatConfig{{ChatID: 10}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Failed() != 0 {
		t.Fatalf("отказ скачивания не должен ронять чат")
	}
	if len(store.saved) != 1 || store.saved[0].MediaRef != "" {
		t.Fatalf("сообщение сохраняется без media_ref")
	}
}
