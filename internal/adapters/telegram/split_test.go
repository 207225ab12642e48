package telegram

import (
	"strings"
	"testing"
)

func TestSplitForDeliveryPrefersSectionBoundary(t *testing.T) {
	var b strings.Builder
	b.WriteString(strings.Repeat("а", 3000))
	b.WriteString("\n\n")
	b.WriteString(strings.Repeat("б", 2000))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("в", 500))

	parts := splitForDelivery(b.String())
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if n := len([]rune(part)); n > messageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, n)
		}
	}
	if parts[0] != strings.Repeat("а", 3000) {
		t.Fatalf("первая часть должна кончаться на границе раздела")
	}
	if !strings.HasPrefix(parts[1], "б") {
		t.Fatalf("неожиданное начало второй части: %q", []rune(parts[1])[0])
	}
	if !strings.HasSuffix(parts[1], strings.Repeat("в", 500)) {
		t.Fatalf("вторая часть должна содержать хвостовой блок")
	}
}

func TestSplitForDeliveryFallsBackToNewline(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(strings.Repeat("x", 900))
		b.WriteString("\n")
	}

	parts := splitForDelivery(b.String())
	if len(parts) < 2 {
		t.Fatalf("длинный текст без пустых строк должен делиться, частей: %d", len(parts))
	}
	for i, part := range parts {
		if n := len([]rune(part)); n > messageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, n)
		}
		if strings.HasPrefix(part, "\n") || strings.HasSuffix(part, "\n") {
			t.Fatalf("часть %d не обрезана по краям", i)
		}
	}
}

func TestSplitForDeliveryShortText(t *testing.T) {
	text := "короткий отчёт"
	parts := splitForDelivery(text)
	if len(parts) != 1 || parts[0] != text {
		t.Fatalf("короткий текст отправляется одним сообщением, получили %v", parts)
	}
}

func TestSplitForDeliveryEmpty(t *testing.T) {
	if parts := splitForDelivery("   \n  "); len(parts) != 0 {
		t.Fatalf("пустой текст не даёт частей, получили %d", len(parts))
	}
}
