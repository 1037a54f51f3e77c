// Package credentials persists the signed-in store manager's session.
package credentials

import (
	"context"
	"errors"
	"sync"
)

var ErrNoSession = errors.New("credentials: no session")

type Manager struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	StoreID   string `json:"storeId"`
	StoreName string `json:"storeName,omitempty"`
	Role      string `json:"role,omitempty"`
}

type Session struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken,omitempty"`
	Manager      Manager `json:"manager"`
}

// Store keeps at most one session. Load returns ErrNoSession when empty.
type Store interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	session *Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, ErrNoSession
	}
	return *m.session, nil
}

func (m *MemoryStore) Save(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = &s
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}
