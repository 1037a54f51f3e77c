package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Create(ctx context.Context, m *Manager) (string, error)
	GetByID(ctx context.Context, id string) (*Manager, error)
	GetByUsername(ctx context.Context, username string) (*Manager, error)
	SaveRefreshToken(ctx context.Context, managerID, tokenHash string, expiresAt time.Time) error
	// ConsumeRefreshToken deletes a live token and returns its manager id,
	// so a refresh token works exactly once.
	ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (string, error)
	UpsertPushToken(ctx context.Context, pt PushToken) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const selectManager = `
	SELECT m.id::text, m.name, m.username, m.password_hash, m.store_id, m.store_name, m.role, m.created_at
	FROM store_managers m
`

func scanManager(row pgx.Row) (*Manager, error) {
	var m Manager
	err := row.Scan(&m.ID, &m.Name, &m.Username, &m.PasswordHash, &m.StoreID, &m.StoreName, &m.Role, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (r *postgresRepository) Create(ctx context.Context, m *Manager) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("repository: failed to generate manager id: %w", err)
	}

	query := `
		INSERT INTO store_managers (id, name, username, password_hash, store_id, store_name, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Exec(ctx, query, id, m.Name, m.Username, m.PasswordHash, m.StoreID, m.StoreName, m.Role, m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return "", ErrUsernameExists
		}
		return "", fmt.Errorf("repository: failed to insert store manager: %w", err)
	}

	return id.String(), nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id string) (*Manager, error) {
	managerID, err := uuid.FromString(id)
	if err != nil {
		return nil, ErrNotFound
	}

	m, err := scanManager(r.db.QueryRow(ctx, selectManager+` WHERE m.id = $1`, managerID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("repository: failed to select store manager %s: %w", id, err)
	}
	return m, err
}

func (r *postgresRepository) GetByUsername(ctx context.Context, username string) (*Manager, error) {
	m, err := scanManager(r.db.QueryRow(ctx, selectManager+` WHERE lower(m.username) = lower($1)`, username))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("repository: failed to select store manager by username: %w", err)
	}
	return m, err
}

func (r *postgresRepository) SaveRefreshToken(ctx context.Context, managerID, tokenHash string, expiresAt time.Time) error {
	query := `
		INSERT INTO refresh_tokens (token_hash, manager_id, expires_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.Exec(ctx, query, tokenHash, uuid.FromStringOrNil(managerID), expiresAt.UTC()); err != nil {
		return fmt.Errorf("repository: failed to save refresh token: %w", err)
	}
	return nil
}

func (r *postgresRepository) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1 AND expires_at > $2
		RETURNING manager_id::text
	`
	var managerID string
	if err := r.db.QueryRow(ctx, query, tokenHash, now.UTC()).Scan(&managerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalidRefreshToken
		}
		return "", fmt.Errorf("repository: failed to consume refresh token: %w", err)
	}
	return managerID, nil
}

func (r *postgresRepository) UpsertPushToken(ctx context.Context, pt PushToken) error {
	query := `
		INSERT INTO push_tokens (token, manager_id, store_id, platform, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token) DO UPDATE
		SET manager_id = EXCLUDED.manager_id, store_id = EXCLUDED.store_id,
			platform = EXCLUDED.platform, registered_at = EXCLUDED.registered_at
	`
	_, err := r.db.Exec(ctx, query, pt.Token, uuid.FromStringOrNil(pt.ManagerID), pt.StoreID, pt.Platform, pt.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("repository: failed to upsert push token: %w", err)
	}
	return nil
}
