package manager

import (
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("store manager not found")
	ErrUsernameExists      = errors.New("username already exists")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrForbidden           = errors.New("not allowed for this store manager")
)

type Manager struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	StoreID      string    `json:"storeId"`
	StoreName    string    `json:"storeName,omitempty"`
	Role         string    `json:"role,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Tokens is the credential pair handed to a client.
type Tokens struct {
	AccessToken  string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type PushToken struct {
	ManagerID    string    `json:"storeManagerId"`
	StoreID      string    `json:"storeId"`
	Token        string    `json:"pushToken"`
	Platform     string    `json:"platform"`
	RegisteredAt time.Time `json:"registeredAt"`
}
