package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tg-group-report/internal/domain"
	openai "tg-group-report/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI реализует domain.Analyzer через OpenAI Chat Completions.
// Любая его ошибка трактуется вызывающим кодом как деградация, не как отказ.
type OpenAI struct {
	client        chatClient
	model         string
	timeout       time.Duration
	maxPerBatch   int
	maxCategories int
}

// NewOpenAI создаёт анализатор.
func NewOpenAI(client chatClient, model string, timeout time.Duration, maxPerBatch, maxCategories int) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if maxPerBatch <= 0 {
		maxPerBatch = 200
	}
	if maxCategories <= 0 {
		maxCategories = 5
	}
	return &OpenAI{
		client:        client,
		model:         model,
		timeout:       timeout,
		maxPerBatch:   maxPerBatch,
		maxCategories: maxCategories,
	}
}

type classifyPayload struct {
	Labels map[string]string `json:"labels"`
}

// Classify просит модель сгруппировать сообщения по темам. Возвращает метку
// темы для каждого message_id; сообщения без метки остаются без треда.
func (a *OpenAI) Classify(ctx context.Context, chat domain.ChatConfig, msgs []domain.Message) (map[int64]string, error) {
	labels := make(map[int64]string, len(msgs))
	for start := 0; start < len(msgs); start += a.maxPerBatch {
		end := start + a.maxPerBatch
		if end > len(msgs) {
			end = len(msgs)
		}
		batch, err := a.classifyBatch(ctx, chat, msgs[start:end])
		if err != nil {
			return nil, err
		}
		for id, label := range batch {
			labels[id] = label
		}
	}
	return labels, nil
}

func (a *OpenAI) classifyBatch(ctx context.Context, chat domain.ChatConfig, msgs []domain.Message) (map[int64]string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	userPrompt := fmt.Sprintf(`Сгруппируй сообщения чата «%s» по темам обсуждения.
Верни JSON формата {"labels": {"<message_id>": "<короткая метка темы>"}} без пояснений.
Сообщения одной темы должны получить одинаковую метку. Сообщения:
%s`, chat.DisplayName(), renderMessages(msgs))

	req := openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.2,
		Messages: []openai.ChatMessage{
			{
				Role:    openai.RoleSystem,
				Content: "Ты аналитик групповых чатов. Опирайся только на переданные сообщения.",
			},
			{
				Role:    openai.RoleUser,
				Content: userPrompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: пустой ответ")
	}
	var parsed classifyPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Choices[0].Message.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("распаковка ответа LLM: %w", err)
	}

	out := make(map[int64]string, len(parsed.Labels))
	for key, label := range parsed.Labels {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		out[id] = label
	}
	return out, nil
}

type summaryPayload struct {
	Overall    string `json:"overall"`
	Categories []struct {
		Name       string  `json:"name"`
		Summary    string  `json:"summary"`
		MessageIDs []int64 `json:"message_ids"`
	} `json:"categories"`
}

// Summarize строит резюме треда: общий итог и до maxCategories тематических
// блоков. Длинные треды суммируются по батчам, затем батчевые резюме
// сворачиваются в одно.
func (a *OpenAI) Summarize(ctx context.Context, chat domain.ChatConfig, threadID int64, msgs []domain.Message) (domain.ThreadSummary, error) {
	if len(msgs) <= a.maxPerBatch {
		return a.summarizeText(ctx, chat, renderMessages(msgs))
	}

	parts := make([]string, 0, len(msgs)/a.maxPerBatch+1)
	for start := 0; start < len(msgs); start += a.maxPerBatch {
		end := start + a.maxPerBatch
		if end > len(msgs) {
			end = len(msgs)
		}
		partial, err := a.summarizeText(ctx, chat, renderMessages(msgs[start:end]))
		if err != nil {
			return domain.ThreadSummary{}, err
		}
		parts = append(parts, renderSummary(partial))
	}
	return a.summarizeText(ctx, chat, strings.Join(parts, "\n---\n"))
}

func (a *OpenAI) summarizeText(ctx context.Context, chat domain.ChatConfig, text string) (domain.ThreadSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	userPrompt := fmt.Sprintf(`Подготовь резюме обсуждения из чата «%s» на русском языке.
Верни JSON формата {"overall": "...", "categories": [{"name": "...", "summary": "...", "message_ids": [...]}]} без пояснений.
Не более %d категорий. Обсуждение:
%s`, chat.DisplayName(), a.maxCategories, text)

	req := openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.2,
		Messages: []openai.ChatMessage{
			{
				Role:    openai.RoleSystem,
				Content: "Ты аналитик групповых чатов. Сохраняй факты из обсуждения и не выдумывай ничего нового.",
			},
			{
				Role:    openai.RoleUser,
				Content: userPrompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return domain.ThreadSummary{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ThreadSummary{}, fmt.Errorf("openai completion: пустой ответ")
	}
	var parsed summaryPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Choices[0].Message.Content)), &parsed); err != nil {
		return domain.ThreadSummary{}, fmt.Errorf("распаковка ответа LLM: %w", err)
	}

	summary := domain.ThreadSummary{Overall: strings.TrimSpace(parsed.Overall)}
	for _, c := range parsed.Categories {
		if len(summary.Categories) >= a.maxCategories {
			break
		}
		name := strings.TrimSpace(c.Name)
		body := strings.TrimSpace(c.Summary)
		if name == "" && body == "" {
			continue
		}
		summary.Categories = append(summary.Categories, domain.SummaryCategory{
			Name:       name,
			Summary:    body,
			MessageIDs: c.MessageIDs,
		})
	}
	return summary, nil
}

func renderMessages(msgs []domain.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(strconv.FormatInt(m.MessageID, 10))
		b.WriteString(" | ")
		b.WriteString(m.SenderName)
		if m.ReplyTo != nil {
			b.WriteString(" (ответ на ")
			b.WriteString(strconv.FormatInt(*m.ReplyTo, 10))
			b.WriteString(")")
		}
		b.WriteString(": ")
		b.WriteString(clipRunes(m.Text, 500))
		b.WriteString("\n")
	}
	return b.String()
}

func renderSummary(s domain.ThreadSummary) string {
	var b strings.Builder
	b.WriteString(s.Overall)
	for _, c := range s.Categories {
		b.WriteString("\n")
		b.WriteString(c.Name)
		b.WriteString(": ")
		b.WriteString(c.Summary)
	}
	return b.String()
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
