package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

const userColumns = `id, name, COALESCE(email, ''), COALESCE(team, ''), COALESCE(position, ''),
	COALESCE(status, ''), COALESCE(image, ''), created_at`

// UserRepository handles user data access
type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (*domain.User, error) {
	user := &domain.User{}
	err := row.Scan(
		&user.ID, &user.Name, &user.Email, &user.Team,
		&user.Position, &user.Status, &user.Image, &user.CreatedAt,
	)
	return user, err
}

// UpsertUser creates a user or updates its profile fields
func (r *UserRepository) UpsertUser(ctx context.Context, user *domain.User) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO users (id, name, email, team, position, status, image)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, team = EXCLUDED.team,
			position = EXCLUDED.position, status = EXCLUDED.status, image = EXCLUDED.image
		RETURNING created_at
	`, user.ID, user.Name, user.Email, user.Team, user.Position, user.Status, user.Image).Scan(&user.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser finds a user by ID
func (r *UserRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := scanUser(r.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// ListUsers returns every user ordered by name
func (r *UserRepository) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}
