package threads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-group-report/internal/domain"
)

type stubMessages struct {
	msgs      []domain.Message
	annotated map[int64]int64
}

func newStubMessages(msgs ...domain.Message) *stubMessages {
	return &stubMessages{msgs: msgs, annotated: make(map[int64]int64)}
}

func (s *stubMessages) SaveMessages(context.Context, []domain.Message) (int, error) { return 0, nil }

func (s *stubMessages) ListByRange(context.Context, int64, time.Time, time.Time) ([]domain.Message, error) {
	return nil, nil
}

func (s *stubMessages) ListForClassification(context.Context, int64, time.Time) ([]domain.Message, error) {
	return s.msgs, nil
}

func (s *stubMessages) AnnotateThread(_ context.Context, _ int64, messageID, threadID int64, _ bool) error {
	s.annotated[messageID] = threadID
	return nil
}

type stubAnalyzer struct {
	labels map[int64]string
	err    error
}

func (s *stubAnalyzer) Classify(context.Context, domain.ChatConfig, []domain.Message) (map[int64]string, error) {
	return s.labels, s.err
}

func (s *stubAnalyzer) Summarize(context.Context, domain.ChatConfig, int64, []domain.Message) (domain.ThreadSummary, error) {
	return domain.ThreadSummary{}, nil
}

func msg(id int64, replyTo *int64) domain.Message {
	return domain.Message{ChatID: 1, MessageID: id, ReplyTo: replyTo, Text: "текст"}
}

func ref(v int64) *int64 { return &v }

func enabledChat(min int) domain.ChatConfig {
	return domain.ChatConfig{ChatID: 1, EnableThreadClassification: true, MinThreadMessages: min}
}

func TestClassifyReplyChainBecomesThread(t *testing.T) {
	store := newStubMessages(
		msg(1, nil),
		msg(2, ref(1)),
		msg(3, ref(2)),
		msg(4, nil),
	)
	svc := NewService(store, nil, 3, zerolog.Nop())

	n, err := svc.Classify(context.Background(), enabledChat(3), time.Time{}, false)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if n != 4 {
		t.Fatalf("ожидали 4 аннотации, получили %d", n)
	}
	// Цепочка 1<-2<-3 достигает порога и получает тред по наименьшему id.
	for _, id := range []int64{1, 2, 3} {
		if store.annotated[id] != 1 {
			t.Fatalf("сообщение %d должно быть в треде 1, получили %d", id, store.annotated[id])
		}
	}
	if store.annotated[4] != domain.GeneralThreadID {
		t.Fatalf("одиночное сообщение уходит в общую ветку")
	}
}

func TestClassifySmallComponentCollapses(t *testing.T) {
	store := newStubMessages(
		msg(1, nil),
		msg(2, ref(1)),
	)
	svc := NewService(store, nil, 3, zerolog.Nop())

	if _, err := svc.Classify(context.Background(), enabledChat(3), time.Time{}, false); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Компонента из двух сообщений меньше порога 3.
	if store.annotated[1] != domain.GeneralThreadID || store.annotated[2] != domain.GeneralThreadID {
		t.Fatalf("мелкая компонента должна свернуться в общую ветку: %v", store.annotated)
	}
}

func TestClassifyDisabledChatDoesNothing(t *testing.T) {
	store := newStubMessages(msg(1, nil), msg(2, ref(1)), msg(3, ref(2)))
	svc := NewService(store, nil, 3, zerolog.Nop())

	n, err := svc.Classify(context.Background(), domain.ChatConfig{ChatID: 1}, time.Time{}, false)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if n != 0 || len(store.annotated) != 0 {
		t.Fatalf("выключенная классификация не должна трогать сообщения")
	}
}

func TestClassifyLateReplyJoinsExistingThread(t *testing.T) {
	existing := int64(100)
	store := newStubMessages(
		domain.Message{ChatID: 1, MessageID: 100, ThreadID: &existing},
		msg(101, ref(100)),
	)
	svc := NewService(store, nil, 3, zerolog.Nop())

	if _, err := svc.Classify(context.Background(), enabledChat(3), time.Time{}, false); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Поздний ответ присоединяется к уже существующему треду, даже если
	// видимая компонента меньше порога.
	if store.annotated[101] != 100 {
		t.Fatalf("ожидали тред 100 для позднего ответа, получили %d", store.annotated[101])
	}
	if _, ok := store.annotated[100]; ok {
		t.Fatalf("уже классифицированное сообщение не переписывается без force")
	}
}

func TestClassifyReplyToMissingMessageIsRoot(t *testing.T) {
	store := newStubMessages(
		msg(5, ref(1)), // адресат вне выборки
	)
	svc := NewService(store, nil, 3, zerolog.Nop())

	if _, err := svc.Classify(context.Background(), enabledChat(3), time.Time{}, false); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if store.annotated[5] != domain.GeneralThreadID {
		t.Fatalf("ответ на отсутствующее сообщение остаётся одиночным")
	}
}

func TestClassifyAnalyzerMergesSingles(t *testing.T) {
	store := newStubMessages(msg(1, nil), msg(2, nil), msg(3, nil))
	ai := &stubAnalyzer{labels: map[int64]string{1: "релиз", 2: "релиз", 3: "релиз"}}
	svc := NewService(store, ai, 3, zerolog.Nop())

	if _, err := svc.Classify(context.Background(), enabledChat(3), time.Time{}, false); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	for _, id := range []int64{1, 2, 3} {
		if store.annotated[id] != 1 {
			t.Fatalf("ожидали объединение по метке в тред 1, получили %v", store.annotated)
		}
	}
}

func TestClassifyAnalyzerFailureFallsBack(t *testing.T) {
	store := newStubMessages(
		msg(1, nil),
		msg(2, ref(1)),
		msg(3, ref(1)),
	)
	ai := &stubAnalyzer{err: errors.New("LLM недоступна")}
	svc := NewService(store, ai, 3, zerolog.Nop())

	n, err := svc.Classify(context.Background(), enabledChat(3), time.Time{}, false)
	if err != nil {
		t.Fatalf("отказ анализатора не должен быть ошибкой: %v", err)
	}
	if n != 3 {
		t.Fatalf("лес ответов должен отработать без анализатора, аннотаций %d", n)
	}
	if store.annotated[3] != 1 {
		t.Fatalf("ожидали тред 1, получили %d", store.annotated[3])
	}
}
