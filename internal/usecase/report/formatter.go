package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"tg-group-report/internal/domain"
)

const (
	excerptLimit = 60
	topSenders   = 5
)

// FormatDaily формирует Markdown-отчёт за день. Вывод детерминирован:
// треды по возрастанию идентификаторов, общая ветка последней, сообщения
// в хронологическом порядке.
func FormatDaily(chat domain.ChatConfig, day time.Time, loc *time.Location, threads Threads, summaries map[int64]domain.ThreadSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Отчёт по чату «%s» за %s\n\n", chat.DisplayName(), day.Format("2006-01-02"))

	total := 0
	bySender := make(map[string]int)
	byMedia := make(map[string]int)
	for _, msgs := range threads.ByID {
		total += len(msgs)
		for _, m := range msgs {
			bySender[m.SenderName]++
			if m.MediaType != "" {
				byMedia[m.MediaType]++
			}
		}
	}
	realThreads := len(threads.Ordered)
	if _, ok := threads.ByID[domain.GeneralThreadID]; ok {
		realThreads--
	}
	fmt.Fprintf(&b, "Сообщений: %d. Участников: %d. Тредов: %d.\n", total, len(bySender), realThreads)

	if total == 0 {
		b.WriteString("\nЗа этот день сообщений нет.\n")
		return b.String()
	}

	writeTopSenders(&b, bySender)
	writeMediaIndex(&b, byMedia)

	for _, tid := range threads.Ordered {
		msgs := threads.ByID[tid]
		b.WriteString("\n")
		if tid == domain.GeneralThreadID {
			fmt.Fprintf(&b, "## Общая лента (%d сообщений)\n\n", len(msgs))
		} else {
			fmt.Fprintf(&b, "## Тред %d: %s (%d сообщений)\n\n", tid, excerpt(msgs[0].Text), len(msgs))
		}

		if summary, ok := summaries[tid]; ok {
			writeSummary(&b, summary)
		}

		for _, m := range msgs {
			writeMessage(&b, m, loc)
		}
	}

	return b.String()
}

func writeTopSenders(b *strings.Builder, bySender map[string]int) {
	type senderCount struct {
		name  string
		count int
	}
	ranked := make([]senderCount, 0, len(bySender))
	for name, count := range bySender {
		ranked = append(ranked, senderCount{name: name, count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].name < ranked[j].name
	})
	if len(ranked) > topSenders {
		ranked = ranked[:topSenders]
	}

	parts := make([]string, 0, len(ranked))
	for _, s := range ranked {
		parts = append(parts, fmt.Sprintf("%s (%d)", s.name, s.count))
	}
	fmt.Fprintf(b, "Активные участники: %s.\n", strings.Join(parts, ", "))
}

func writeMediaIndex(b *strings.Builder, byMedia map[string]int) {
	if len(byMedia) == 0 {
		return
	}
	kinds := make([]string, 0, len(byMedia))
	for kind := range byMedia {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%s — %d", kind, byMedia[kind]))
	}
	fmt.Fprintf(b, "Вложения: %s.\n", strings.Join(parts, ", "))
}

// writeSummary печатает резюме треда; пустое резюме означает, что анализатор
// был включён, но не ответил.
func writeSummary(b *strings.Builder, summary domain.ThreadSummary) {
	if strings.TrimSpace(summary.Overall) == "" && len(summary.Categories) == 0 {
		b.WriteString("_Резюме недоступно._\n\n")
		return
	}
	if overall := strings.TrimSpace(summary.Overall); overall != "" {
		fmt.Fprintf(b, "**Итог:** %s\n\n", overall)
	}
	for _, c := range summary.Categories {
		name := strings.TrimSpace(c.Name)
		body := strings.TrimSpace(c.Summary)
		if name == "" && body == "" {
			continue
		}
		fmt.Fprintf(b, "- **%s** — %s\n", name, body)
	}
	if len(summary.Categories) > 0 {
		b.WriteString("\n")
	}
}

func writeMessage(b *strings.Builder, m domain.Message, loc *time.Location) {
	ts := m.Timestamp.In(loc).Format("15:04")
	text := strings.TrimSpace(m.Text)
	if text == "" && m.MediaType != "" {
		text = "[" + m.MediaType + "]"
	}
	fmt.Fprintf(b, "- %s %s: %s", ts, m.SenderName, text)
	if m.MediaRef != "" {
		fmt.Fprintf(b, " (файл: %s)", m.MediaRef)
	}
	b.WriteString("\n")
}

func excerpt(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return "без текста"
	}
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit]) + "…"
}

// safeChatName приводит имя чата к безопасному фрагменту имени файла.
func safeChatName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "chat"
	}
	return out
}
