package mtproto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeSessionBytesPassThroughGotd(t *testing.T) {
	raw := []byte(`{"Version":1,"Data":{"DC":2,"Addr":"149.154.167.50:443"}}`)
	out, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if converted {
		t.Fatalf("родной формат не требует конвертации")
	}
	if !bytes.Equal(out, raw) {
		t.Fatalf("родной формат должен вернуться без изменений")
	}
}

func TestNormalizeSessionBytesTelethonJSON(t *testing.T) {
	authKey := hex.EncodeToString(bytes.Repeat([]byte{0xAB}, 256))
	raw := []byte(`[{"dc_id":2,"server_address":"149.154.167.50","port":443,"auth_key":"` + authKey + `"}]`)

	out, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !converted {
		t.Fatalf("ожидали конвертацию из формата Telethon")
	}

	var payload struct {
		Version int `json:"Version"`
		Data    struct {
			DC   int    `json:"DC"`
			Addr string `json:"Addr"`
		} `json:"Data"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("результат должен быть валидным JSON gotd: %v", err)
	}
	if payload.Version != 1 || payload.Data.DC != 2 || payload.Data.Addr != "149.154.167.50:443" {
		t.Fatalf("сессия сконвертирована неверно: %+v", payload)
	}
}

func TestNormalizeSessionBytesRejectsGarbage(t *testing.T) {
	_, _, err := NormalizeSessionBytes([]byte("definitely not a session"))
	if !errors.Is(err, ErrUnsupportedSessionFormat) {
		t.Fatalf("ожидали ErrUnsupportedSessionFormat, получили %v", err)
	}
}

func TestNormalizeSessionBytesEmpty(t *testing.T) {
	if _, _, err := NormalizeSessionBytes([]byte("  \n")); err == nil {
		t.Fatalf("пустая сессия должна быть ошибкой")
	}
}
