// Package accounts is the minimal user store behind the API's login endpoint.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials indicates an unknown user or wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is one API account.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Service provides account lookup and authentication.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates an account service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "accounts")),
	}
}

// EnsureAdmin creates the bootstrap admin account when it does not exist yet.
// An existing account is left untouched, including its password.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return fmt.Errorf("admin username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (username, password_hash, is_admin)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (username) DO NOTHING`,
		username, string(hash),
	)
	if err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.logger.Info("bootstrap admin created", slog.String("username", username))
	}
	return nil
}

// Authenticate verifies the password and returns the account.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, is_admin, created_at
		FROM users WHERE username = $1`,
		strings.TrimSpace(username),
	)
	var user User
	var hash string
	if err := row.Scan(&user.ID, &user.Username, &hash, &user.IsAdmin, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}
