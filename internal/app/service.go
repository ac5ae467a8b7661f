package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"todoo/api/internal/auth"
	"todoo/api/internal/authpw"
	"todoo/api/internal/config"
	"todoo/api/internal/rbac"
	"todoo/api/internal/resolve"
	"todoo/api/internal/search"
	"todoo/api/internal/session"
	"todoo/api/internal/store"
	"todoo/api/internal/util"
)

// Store is the persistence the service needs. *store.PostgresStore and
// storetest.Memory both satisfy it.
type Store interface {
	resolve.Store
	Ping(ctx context.Context) error
	ListUsers(ctx context.Context) ([]store.User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUser(ctx context.Context, id string, patch store.UserPatch) error
	DeleteUser(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]store.TaskWithOwner, error)
	InsertTask(ctx context.Context, task store.Task) error
	UpdateTask(ctx context.Context, task store.Task) error
	DeleteTask(ctx context.Context, id string) error
}

// SessionStore keeps hashed session tokens. Lookups of unknown or expired
// tokens return sql.ErrNoRows or session.ErrNotFound.
type SessionStore interface {
	SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (string, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

type PasswordAuth interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error)
	SignIn(ctx context.Context, req authpw.SignInRequest) (store.User, error)
	HashPassword(password string) (string, error)
}

// TaskIndex keeps the search index in step with task writes.
type TaskIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexTask(task search.TaskRecord)
	DeleteTask(id string)
}

type Service struct {
	cfg       config.Config
	store     Store
	sessions  SessionStore
	passwords PasswordAuth
	resolver  *resolve.Resolver
	index     TaskIndex
	logger    zerolog.Logger
	now       func() time.Time
}

// New wires the service. index may be nil, in which case search returns no
// results and task writes are not indexed.
func New(cfg config.Config, dataStore Store, sessions SessionStore, passwords PasswordAuth, index TaskIndex, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: passwords,
		resolver:  resolve.New(dataStore),
		index:     index,
		logger:    logger.With().Str("component", "app").Logger(),
		now:       time.Now,
	}
}

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// Actor is the identity every policy check runs against. It comes from the
// authenticated session only.
func (s Session) Actor() rbac.Actor {
	return rbac.Actor{ID: s.UserID, Role: rbac.ParseRole(s.Role)}
}

// Bootstrap seeds an ADMIN account when one is configured and the users
// table is empty.
func (s *Service) Bootstrap(ctx context.Context) error {
	email := strings.TrimSpace(s.cfg.BootstrapAdminEmail)
	if email == "" || s.cfg.BootstrapAdminPassword == "" {
		return nil
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	normalized, err := authpw.NormalizeEmail(email)
	if err != nil {
		return fmt.Errorf("bootstrap admin email: %w", err)
	}
	hash, err := s.passwords.HashPassword(s.cfg.BootstrapAdminPassword)
	if err != nil {
		return err
	}
	name := s.cfg.BootstrapAdminName
	admin := store.User{
		ID:           util.NewID(""),
		Email:        normalized,
		Role:         string(rbac.RoleAdmin),
		PasswordHash: hash,
	}
	if name != "" {
		admin.Name = &name
	}
	if err := s.store.CreateUser(ctx, admin); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return nil
		}
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	s.logger.Info().Str("user_id", admin.ID).Str("email", admin.Email).Msg("bootstrap admin created")
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type healthReporter interface {
	Healthy() bool
}

// Readiness checks every backing service. A nil entry means healthy.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if p, ok := s.sessions.(pinger); ok {
		checks["sessions"] = p.Ping(ctx)
	}
	if h, ok := s.index.(healthReporter); ok && !h.Healthy() {
		checks["search"] = errors.New("search index unavailable")
	} else if s.index != nil {
		checks["search"] = nil
	}
	return checks
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		var validation *authpw.ValidationError
		switch {
		case errors.As(err, &validation):
			return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", validation.Message, nil)
		case errors.Is(err, authpw.ErrEmailTaken):
			return store.User{}, domainError(http.StatusConflict, "EMAIL_TAKEN", MsgEmailTaken, nil)
		}
		return store.User{}, err
	}
	s.logger.Info().Str("user_id", user.ID).Msg("user signed up")
	return user, nil
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Email ou senha inválidos", nil)
		}
		return Session{}, err
	}
	return s.CreateSession(ctx, user)
}

// CreateSession issues a bearer token for user. Only the token hash is stored.
func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	token, err := auth.IssueSessionToken([]byte(s.cfg.SessionSecret))
	if err != nil {
		return Session{}, err
	}
	expiresAt := s.now().Add(s.cfg.SessionTTL)
	if err := s.sessions.SaveSession(ctx, auth.HashToken(token), user.ID, expiresAt); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return sessionFor(token, user, expiresAt), nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.RevokeSession(ctx, auth.HashToken(token))
}

// SessionFromToken authenticates a bearer token. Unknown, expired and
// forged tokens all yield auth.ErrInvalidToken.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	if err := auth.VerifySessionToken([]byte(s.cfg.SessionSecret), token); err != nil {
		return Session{}, err
	}
	userID, err := s.sessions.LookupSession(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, fmt.Errorf("lookup session user: %w", err)
	}
	return sessionFor(token, user, time.Time{}), nil
}

func sessionFor(token string, user store.User, expiresAt time.Time) Session {
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName(),
		Email:     user.Email,
		Role:      user.Role,
		ExpiresAt: expiresAt,
	}
}
