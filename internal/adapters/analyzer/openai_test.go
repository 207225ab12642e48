package analyzer

import (
	"context"
	"errors"
	"testing"

	"tg-group-report/internal/domain"
	openai "tg-group-report/internal/infra/openai"
)

type stubClient struct {
	responses []string
	calls     int
	err       error
}

func (s *stubClient) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	content := s.responses[s.calls%len(s.responses)]
	s.calls++
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Content: content}}},
	}, nil
}

func message(id int64, text string) domain.Message {
	return domain.Message{ChatID: 1, MessageID: id, SenderName: "@user", Text: text}
}

func TestClassifyParsesLabels(t *testing.T) {
	client := &stubClient{responses: []string{`{"labels": {"1": "релиз", "2": "релиз", "oops": "мусор", "3": "  "}}`}}
	ai := NewOpenAI(client, "", 0, 0, 0)

	labels, err := ai.Classify(context.Background(), domain.ChatConfig{ChatID: 1}, []domain.Message{
		message(1, "выкатываем?"),
		message(2, "да"),
		message(3, "ок"),
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(labels) != 2 || labels[1] != "релиз" || labels[2] != "релиз" {
		t.Fatalf("метки разобраны неверно: %v", labels)
	}
}

func TestClassifySplitsBatches(t *testing.T) {
	client := &stubClient{responses: []string{`{"labels": {}}`}}
	ai := NewOpenAI(client, "", 0, 2, 0)

	msgs := []domain.Message{message(1, "а"), message(2, "б"), message(3, "в")}
	if _, err := ai.Classify(context.Background(), domain.ChatConfig{ChatID: 1}, msgs); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("ожидали 2 батча при лимите 2, получили %d вызовов", client.calls)
	}
}

func TestSummarizeParsesCategories(t *testing.T) {
	client := &stubClient{responses: []string{`{
		"overall": "обсудили релиз",
		"categories": [
			{"name": "Релиз", "summary": "решили катить в пятницу", "message_ids": [1, 2]},
			{"name": "", "summary": ""}
		]
	}`}}
	ai := NewOpenAI(client, "", 0, 0, 0)

	summary, err := ai.Summarize(context.Background(), domain.ChatConfig{ChatID: 1}, 1, []domain.Message{message(1, "катим?")})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Overall != "обсудили релиз" {
		t.Fatalf("общий итог разобран неверно: %q", summary.Overall)
	}
	if len(summary.Categories) != 1 || summary.Categories[0].Name != "Релиз" {
		t.Fatalf("пустые категории должны отбрасываться: %+v", summary.Categories)
	}
}

func TestSummarizeCapsCategories(t *testing.T) {
	client := &stubClient{responses: []string{`{
		"overall": "итог",
		"categories": [
			{"name": "а", "summary": "1"},
			{"name": "б", "summary": "2"},
			{"name": "в", "summary": "3"}
		]
	}`}}
	ai := NewOpenAI(client, "", 0, 0, 2)

	summary, err := ai.Summarize(context.Background(), domain.ChatConfig{ChatID: 1}, 1, []domain.Message{message(1, "текст")})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(summary.Categories) != 2 {
		t.Fatalf("ожидали обрезку до 2 категорий, получили %d", len(summary.Categories))
	}
}

func TestClassifyPropagatesClientError(t *testing.T) {
	client := &stubClient{err: errors.New("нет сети")}
	ai := NewOpenAI(client, "", 0, 0, 0)

	if _, err := ai.Classify(context.Background(), domain.ChatConfig{ChatID: 1}, []domain.Message{message(1, "а")}); err == nil {
		t.Fatalf("ошибка клиента должна подниматься наверх")
	}
}
