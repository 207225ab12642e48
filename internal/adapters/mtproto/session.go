package mtproto

import (
	"context"
	"fmt"

	"github.com/gotd/td/session"
)

// SessionStore — персистентное хранилище блобов MTProto сессий.
type SessionStore interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// SessionDB адаптирует SessionStore к интерфейсу session.Storage gotd.
// Прочитанный блоб нормализуется: поддерживаются строковые сессии Telethon
// и экспортированный JSON в дополнение к родному формату gotd.
type SessionDB struct {
	store SessionStore
	name  string
}

var _ session.Storage = (*SessionDB)(nil)

// NewSessionDB создаёт хранилище именованной сессии.
func NewSessionDB(store SessionStore, name string) *SessionDB {
	return &SessionDB{store: store, name: name}
}

// LoadSession читает и при необходимости конвертирует блоб сессии.
// Отсутствие сессии gotd воспринимает как session.ErrNotFound.
func (s *SessionDB) LoadSession(ctx context.Context) ([]byte, error) {
	raw, err := s.store.LoadMTProtoSession(ctx, s.name)
	if err != nil {
		return nil, err
	}
	normalized, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("сессия %s: %w", s.name, err)
	}
	if converted {
		// Сохраняем уже в формате gotd, чтобы не конвертировать каждый раз.
		if err := s.store.StoreMTProtoSession(ctx, s.name, normalized); err != nil {
			return nil, err
		}
	}
	return normalized, nil
}

// StoreSession сохраняет блоб сессии.
func (s *SessionDB) StoreSession(ctx context.Context, data []byte) error {
	return s.store.StoreMTProtoSession(ctx, s.name, data)
}
