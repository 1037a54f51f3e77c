package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/store-fulfillment/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(p auth.Principal) (string, time.Time, error)
}

type LoginResult struct {
	Tokens
	Manager *Manager `json:"manager"`
}

type Service interface {
	CreateManager(ctx context.Context, m *Manager, password string) (*Manager, error)
	Login(ctx context.Context, username, password string) (*LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	RegisterPushToken(ctx context.Context, caller auth.Principal, pt PushToken) error
}

type service struct {
	repo       Repository
	issuer     TokenIssuer
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(repo Repository, issuer TokenIssuer, refreshTTL time.Duration) Service {
	return &service{
		repo:       repo,
		issuer:     issuer,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (s *service) CreateManager(ctx context.Context, m *Manager, password string) (*Manager, error) {
	if password == "" {
		return nil, errors.New("service: password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to hash password")
		return nil, fmt.Errorf("service: failed to hash password: %w", err)
	}
	m.PasswordHash = string(hash)
	m.Username = strings.TrimSpace(m.Username)
	if m.Role == "" {
		m.Role = "manager"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}

	id, err := s.repo.Create(ctx, m)
	if err != nil {
		if errors.Is(err, ErrUsernameExists) {
			return nil, ErrUsernameExists
		}
		log.Error().Err(err).Str("username", m.Username).Msg("service: failed to create store manager in repository")
		return nil, fmt.Errorf("service: failed to create store manager: %w", err)
	}

	m.ID = id
	log.Info().Str("manager_id", id).Str("store_id", m.StoreID).Msg("service: store manager created")
	return m, nil
}

// Login checks the password and issues an access and a refresh token.
// Unknown usernames and wrong passwords are indistinguishable.
func (s *service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	m, err := s.repo.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Str("username", username).Msg("service: login for unknown store manager")
			return nil, ErrInvalidCredentials
		}
		log.Error().Err(err).Msg("service: failed to load store manager for login")
		return nil, fmt.Errorf("service: login: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		log.Warn().Str("manager_id", m.ID).Msg("service: wrong password")
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.issueTokens(ctx, m)
	if err != nil {
		return nil, err
	}

	log.Info().Str("manager_id", m.ID).Str("store_id", m.StoreID).Msg("service: store manager logged in")
	return &LoginResult{Tokens: *tokens, Manager: m}, nil
}

// Refresh rotates a refresh token: the presented one is consumed and a new
// pair is issued.
func (s *service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	managerID, err := s.repo.ConsumeRefreshToken(ctx, hashToken(refreshToken), s.now())
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return nil, ErrInvalidRefreshToken
		}
		log.Error().Err(err).Msg("service: failed to consume refresh token")
		return nil, fmt.Errorf("service: refresh: %w", err)
	}

	m, err := s.repo.GetByID(ctx, managerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("service: refresh: %w", err)
	}

	return s.issueTokens(ctx, m)
}

// RegisterPushToken stores a device token for the calling manager. A
// manager may only register tokens for themselves.
func (s *service) RegisterPushToken(ctx context.Context, caller auth.Principal, pt PushToken) error {
	if pt.ManagerID != caller.ManagerID {
		log.Warn().Str("manager_id", caller.ManagerID).Str("target_id", pt.ManagerID).Msg("service: push token for another manager")
		return ErrForbidden
	}
	if pt.StoreID == "" {
		pt.StoreID = caller.StoreID
	}
	if pt.StoreID != caller.StoreID {
		return ErrForbidden
	}
	if pt.RegisteredAt.IsZero() {
		pt.RegisteredAt = s.now().UTC()
	}

	if err := s.repo.UpsertPushToken(ctx, pt); err != nil {
		log.Error().Err(err).Str("manager_id", pt.ManagerID).Msg("service: failed to register push token")
		return fmt.Errorf("service: register push token: %w", err)
	}

	log.Info().Str("manager_id", pt.ManagerID).Str("platform", pt.Platform).Msg("service: push token registered")
	return nil
}

func (s *service) issueTokens(ctx context.Context, m *Manager) (*Tokens, error) {
	access, expiresAt, err := s.issuer.Issue(auth.Principal{ManagerID: m.ID, StoreID: m.StoreID, Role: m.Role})
	if err != nil {
		return nil, fmt.Errorf("service: issue access token: %w", err)
	}

	refreshID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("service: generate refresh token: %w", err)
	}
	refresh := refreshID.String()

	if err := s.repo.SaveRefreshToken(ctx, m.ID, hashToken(refresh), s.now().Add(s.refreshTTL)); err != nil {
		log.Error().Err(err).Str("manager_id", m.ID).Msg("service: failed to save refresh token")
		return nil, fmt.Errorf("service: save refresh token: %w", err)
	}

	return &Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

// Refresh tokens are stored hashed.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
