package mtproto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrUnsupportedSessionFormat возвращается, когда формат сессии не распознан.
var ErrUnsupportedSessionFormat = fmt.Errorf("неизвестный формат MTProto сессии")

// NormalizeSessionBytes приводит сессию к JSON-формату gotd session.Storage.
// Понимает родной формат gotd, строковые сессии Telethon и их JSON-экспорт.
// Второе значение сообщает, потребовалась ли конвертация.
func NormalizeSessionBytes(raw []byte) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("сессия пуста")
	}

	if isGotdSession(trimmed) {
		return append([]byte(nil), trimmed...), false, nil
	}

	converters := []func([]byte) ([]byte, error){
		fromTelethonAccountJSON,
		fromTelethonRowsJSON,
		fromTelethonString,
	}
	for _, convert := range converters {
		if out, err := convert(trimmed); err == nil {
			return out, true, nil
		}
	}
	return nil, false, ErrUnsupportedSessionFormat
}

// isGotdSession распознаёт родной формат gotd по обязательному полю Version.
func isGotdSession(raw []byte) bool {
	var probe struct {
		Version int `json:"Version"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Version != 0
}

// fromTelethonAccountJSON разбирает экспорт аккаунта, где строка сессии
// лежит в поле extra_params.
func fromTelethonAccountJSON(raw []byte) ([]byte, error) {
	var account struct {
		ExtraParams string `json:"extra_params"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, err
	}
	if account.ExtraParams == "" {
		return nil, fmt.Errorf("в JSON аккаунта нет extra_params")
	}
	return fromTelethonString([]byte(account.ExtraParams))
}

// fromTelethonRowsJSON разбирает выгрузку таблицы sessions из SQLite-файла
// Telethon: массив строк с dc_id, адресом и auth_key в hex.
func fromTelethonRowsJSON(raw []byte) ([]byte, error) {
	var rows []struct {
		DCID          int    `json:"dc_id"`
		ServerAddress string `json:"server_address"`
		Port          int    `json:"port"`
		AuthKey       string `json:"auth_key"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.AuthKey == "" || row.ServerAddress == "" || row.Port == 0 {
			continue
		}
		return buildSession(row.DCID, row.ServerAddress, row.Port, row.AuthKey)
	}
	return nil, fmt.Errorf("в выгрузке Telethon нет пригодных строк")
}

func fromTelethonString(raw []byte) ([]byte, error) {
	candidate := strings.Trim(strings.TrimSpace(string(raw)), "\"'\n\r\t")
	if candidate == "" {
		return nil, fmt.Errorf("строка сессии пуста")
	}

	data, err := session.TelethonSession(candidate)
	if err != nil {
		return nil, err
	}

	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	// Строка Telethon несёт только адрес текущего DC, конфиг надо достроить.
	if data.Addr != "" && len(data.Config.DCOptions) == 0 {
		if host, portStr, splitErr := net.SplitHostPort(data.Addr); splitErr == nil {
			if port, convErr := strconv.Atoi(portStr); convErr == nil {
				data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
			}
		}
	}
	return marshalGotdSession(*data)
}

// buildSession собирает session.Data из компонентов Telethon-сессии.
func buildSession(dcID int, host string, port int, authKeyHex string) ([]byte, error) {
	authKeyHex = strings.Trim(strings.TrimSpace(authKeyHex), "'\"")
	if authKeyHex == "" {
		return nil, fmt.Errorf("auth_key пуст")
	}

	rawKey, err := hex.DecodeString(authKeyHex)
	if err != nil {
		return nil, fmt.Errorf("auth_key не hex: %w", err)
	}
	var key crypto.Key
	if len(rawKey) != len(key) {
		return nil, fmt.Errorf("неожиданная длина auth_key: %d байт", len(rawKey))
	}
	copy(key[:], rawKey)
	keyID := key.WithID().ID

	data := session.Data{
		Config: session.Config{
			ThisDC:    dcID,
			DCOptions: []tg.DCOption{{ID: dcID, IPAddress: host, Port: port}},
		},
		DC:        dcID,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   append([]byte(nil), key[:]...),
		AuthKeyID: append([]byte(nil), keyID[:]...),
	}
	return marshalGotdSession(data)
}

func marshalGotdSession(data session.Data) ([]byte, error) {
	return json.Marshal(struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{Version: 1, Data: data})
}
