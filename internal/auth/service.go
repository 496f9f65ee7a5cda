// Package auth registers users and signs them in and out of the process-wide
// session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"controlgastos/internal/core"
	"controlgastos/internal/log"
	"controlgastos/internal/session"
)

const (
	// MinPasswordLength matches the rule enforced by the original hosted auth.
	MinPasswordLength = 6
	// MaxPasswordBytes is the longest input bcrypt accepts.
	MaxPasswordBytes = 72
)

var (
	ErrUserExists         = core.ErrUserExists
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidUsername    = errors.New("username cannot be empty")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong    = fmt.Errorf("password must be at most %d bytes", MaxPasswordBytes)
)

// UserStore persists credentials.
type UserStore interface {
	CreateUser(ctx context.Context, u core.User) error
	GetUserByUsername(ctx context.Context, username string) (core.User, error)
}

// Service authenticates against a UserStore and drives a session.Manager.
type Service struct {
	users    UserStore
	sessions *session.Manager
	logger   *log.Logger
	now      func() time.Time
}

func NewService(users UserStore, sessions *session.Manager, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Discard()
	}
	return &Service{
		users:    users,
		sessions: sessions,
		logger:   logger.WithComponent(log.ComponentAuth),
		now:      time.Now,
	}
}

// NormalizeUsername trims and lower-cases a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Register creates a user. It does not sign the new user in.
func (s *Service) Register(ctx context.Context, username, password string) (core.User, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return core.User{}, ErrInvalidUsername
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return core.User{}, ErrWeakPassword
	}
	if len(password) > MaxPasswordBytes {
		return core.User{}, ErrPasswordTooLong
	}

	hash, err := HashPassword(password)
	if err != nil {
		return core.User{}, fmt.Errorf("hash password: %w", err)
	}

	u := core.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, core.ErrUserExists) {
			return core.User{}, ErrUserExists
		}
		return core.User{}, fmt.Errorf("create user: %w", err)
	}

	s.logger.InfoContext(ctx, "User registered",
		log.FieldOperation, log.OpRegister,
		log.FieldUserID, u.ID,
		log.FieldUsername, u.Username)
	return u, nil
}

// SignIn verifies the credentials and makes the user current.
func (s *Service) SignIn(ctx context.Context, username, password string) (core.User, error) {
	username = NormalizeUsername(username)

	u, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, core.ErrUserNotFound) {
		s.logger.WarnContext(ctx, "Sign-in for unknown user", log.FieldUsername, username)
		return core.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return core.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !CheckPassword(password, u.PasswordHash) {
		s.logger.WarnContext(ctx, "Sign-in with wrong password", log.FieldUsername, username)
		return core.User{}, ErrInvalidCredentials
	}

	s.sessions.SignIn(u.ID)
	s.logger.InfoContext(ctx, "User signed in",
		log.FieldOperation, log.OpSignIn,
		log.FieldUserID, u.ID)
	return u, nil
}

func (s *Service) SignOut(ctx context.Context) {
	s.sessions.SignOut()
	s.logger.InfoContext(ctx, "User signed out", log.FieldOperation, log.OpSignOut)
}
