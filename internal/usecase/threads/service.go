package threads

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tg-group-report/internal/domain"
)

// Service связывает сообщения в треды по лесу ответов. Сообщение и его
// reply-цепочка образуют компоненту; компоненты меньше порога сворачиваются
// в общую ветку.
type Service struct {
	messages   domain.MessageRepo
	analyzer   domain.Analyzer
	defaultMin int
	log        zerolog.Logger
}

// NewService создаёт классификатор тредов. analyzer может быть nil —
// тогда используется только детерминированный лес ответов.
func NewService(messages domain.MessageRepo, analyzer domain.Analyzer, defaultMin int, log zerolog.Logger) *Service {
	if defaultMin <= 0 {
		defaultMin = 3
	}
	return &Service{messages: messages, analyzer: analyzer, defaultMin: defaultMin, log: log}
}

// Classify проставляет треды сообщениям чата начиная с since. Возвращает
// число аннотированных сообщений. force переписывает уже проставленные треды.
func (s *Service) Classify(ctx context.Context, chat domain.ChatConfig, since time.Time, force bool) (int, error) {
	if !chat.EnableThreadClassification {
		return 0, nil
	}
	minSize := chat.MinThreadMessages
	if minSize <= 0 {
		minSize = s.defaultMin
	}

	msgs, err := s.messages.ListForClassification(ctx, chat.ChatID, since)
	if err != nil {
		return 0, fmt.Errorf("чтение сообщений чата %d: %w", chat.ChatID, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	components := buildReplyForest(msgs)
	s.mergeByLabels(ctx, chat, msgs, components)

	byID := make(map[int64]domain.Message, len(msgs))
	for _, m := range msgs {
		byID[m.MessageID] = m
	}

	annotated := 0
	for _, component := range components {
		threadID := resolveThreadID(component, byID, minSize, force)
		for _, id := range component {
			msg := byID[id]
			if msg.ThreadID != nil && !force {
				continue
			}
			if err := s.messages.AnnotateThread(ctx, chat.ChatID, id, threadID, force); err != nil {
				return annotated, fmt.Errorf("аннотация сообщения %d: %w", id, err)
			}
			annotated++
		}
	}

	s.log.Info().
		Int64("chat_id", chat.ChatID).
		Int("messages", len(msgs)).
		Int("components", len(components)).
		Int("annotated", annotated).
		Msg("классификация тредов завершена")
	return annotated, nil
}

// resolveThreadID выбирает тред компоненты: уже проставленный тред её членов
// выигрывает, чтобы поздние ответы попадали в существующую ветку; иначе тред
// получает идентификатор наименьшего сообщения, а мелкие компоненты уходят
// в общую ветку.
func resolveThreadID(component []int64, byID map[int64]domain.Message, minSize int, force bool) int64 {
	if !force {
		existing := int64(0)
		found := false
		for _, id := range component {
			msg := byID[id]
			if msg.ThreadID == nil {
				continue
			}
			if !found || *msg.ThreadID < existing {
				existing = *msg.ThreadID
				found = true
			}
		}
		if found {
			return existing
		}
	}
	if len(component) >= minSize {
		min := component[0]
		for _, id := range component[1:] {
			if id < min {
				min = id
			}
		}
		return min
	}
	return domain.GeneralThreadID
}

// mergeByLabels сливает одиночные сообщения по меткам внешнего анализатора.
// Лес ответов этим не трогается: анализатор лишь дополняет его там, где люди
// отвечают без reply. Любой отказ анализатора — деградация, не ошибка.
func (s *Service) mergeByLabels(ctx context.Context, chat domain.ChatConfig, msgs []domain.Message, components map[int64][]int64) {
	if s.analyzer == nil {
		return
	}

	singles := make([]domain.Message, 0)
	rootOf := make(map[int64]int64)
	for root, ids := range components {
		for _, id := range ids {
			rootOf[id] = root
		}
	}
	for _, m := range msgs {
		root := rootOf[m.MessageID]
		if len(components[root]) == 1 && m.ThreadID == nil {
			singles = append(singles, m)
		}
	}
	if len(singles) < 2 {
		return
	}

	labels, err := s.analyzer.Classify(ctx, chat, singles)
	if err != nil {
		s.log.Warn().Err(err).Int64("chat_id", chat.ChatID).Msg("анализатор недоступен, используем только лес ответов")
		return
	}

	byLabel := make(map[string][]int64)
	for _, m := range singles {
		label, ok := labels[m.MessageID]
		if !ok {
			continue
		}
		byLabel[label] = append(byLabel[label], m.MessageID)
	}
	for _, ids := range byLabel {
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		root := ids[0]
		merged := make([]int64, 0, len(ids))
		for _, id := range ids {
			merged = append(merged, components[rootOf[id]]...)
			delete(components, rootOf[id])
		}
		components[root] = merged
	}
}

// buildReplyForest строит компоненты связности по рёбрам «ответ — адресат».
// Ответ на сообщение вне выборки (удалённое или старше окна) ребра не даёт.
func buildReplyForest(msgs []domain.Message) map[int64][]int64 {
	parent := make(map[int64]int64, len(msgs))
	for _, m := range msgs {
		parent[m.MessageID] = m.MessageID
	}

	var find func(int64) int64
	find = func(id int64) int64 {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b int64) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// Меньший идентификатор становится корнем: он же будет тредом.
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	for _, m := range msgs {
		if m.ReplyTo == nil {
			continue
		}
		if _, ok := parent[*m.ReplyTo]; !ok {
			continue
		}
		union(m.MessageID, *m.ReplyTo)
	}

	components := make(map[int64][]int64)
	for _, m := range msgs {
		root := find(m.MessageID)
		components[root] = append(components[root], m.MessageID)
	}
	return components
}
