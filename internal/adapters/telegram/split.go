package telegram

import "strings"

// Лимит длины одного сообщения Telegram в символах.
const messageLimit = 4096

// splitForDelivery режет отчёт на куски, пригодные для отправки одним
// сообщением. Сначала пытается рвать по границе раздела (пустая строка),
// чтобы не разрезать тред посередине, затем по переводу строки.
func splitForDelivery(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= messageLimit {
		return []string{trimmed}
	}

	var parts []string
	start := 0
	for start < len(runes) {
		end := start + messageLimit
		if end >= len(runes) {
			appendChunk(&parts, runes[start:])
			break
		}

		cut := lastBoundary(runes, start, end, "\n\n")
		if cut < 0 {
			cut = lastBoundary(runes, start, end, "\n")
		}
		if cut < 0 {
			cut = end
		}

		appendChunk(&parts, runes[start:cut])
		start = cut
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}
	return parts
}

// lastBoundary ищет последнее вхождение sep в runes[start:end) и возвращает
// позицию сразу после него, либо -1.
func lastBoundary(runes []rune, start, end int, sep string) int {
	window := string(runes[start:end])
	idx := strings.LastIndex(window, sep)
	if idx < 0 {
		return -1
	}
	return start + len([]rune(window[:idx])) + len([]rune(sep))
}

func appendChunk(parts *[]string, runes []rune) {
	chunk := strings.Trim(string(runes), "\n")
	if chunk != "" {
		*parts = append(*parts, chunk)
	}
}
