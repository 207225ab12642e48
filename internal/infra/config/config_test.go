package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeChats(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chats.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("не удалось записать файл: %v", err)
	}
	return path
}

func TestLoadChats(t *testing.T) {
	path := writeChats(t, `{
		"chats": [
			{"chat_id": -1001234567890, "name": "Рабочий чат", "enable_thread_classification": true, "min_thread_messages": 4},
			{"chat_link": "https://t.me/golang", "name": "Go"}
		]
	}`)

	chats, err := LoadChats(path)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("ожидали 2 чата, получили %d", len(chats))
	}
	if chats[0].ChatID != -1001234567890 || !chats[0].EnableThreadClassification || chats[0].MinThreadMessages != 4 {
		t.Fatalf("первый чат разобран неверно: %+v", chats[0])
	}
	if chats[1].ChatLink != "https://t.me/golang" {
		t.Fatalf("второй чат разобран неверно: %+v", chats[1])
	}
}

func TestLoadChatsRequiresIDOrLink(t *testing.T) {
	path := writeChats(t, `{"chats": [{"name": "без адреса"}]}`)
	if _, err := LoadChats(path); err == nil {
		t.Fatalf("чат без chat_id и chat_link должен быть ошибкой")
	}
}

func TestLoadChatsEmptyList(t *testing.T) {
	path := writeChats(t, `{"chats": []}`)
	if _, err := LoadChats(path); err == nil {
		t.Fatalf("пустой список чатов должен быть ошибкой")
	}
}
