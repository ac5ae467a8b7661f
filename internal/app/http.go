package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"todoo/api/internal/auth"
	"todoo/api/internal/authpw"
	"todoo/api/internal/resolve"
)

// ChatMessage is one entry of a chat history as clients send and receive it.
type ChatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

type ChatResult struct {
	Reply    string        `json:"reply"`
	Messages []ChatMessage `json:"messages"`
}

// Assistant answers a chat on behalf of the session's user.
type Assistant interface {
	Chat(ctx context.Context, session Session, history []ChatMessage) (ChatResult, error)
}

const MsgUnauthenticated = "Não autenticado"

type HTTPServer struct {
	service    *Service
	assistant  Assistant
	corsOrigin string
	logger     zerolog.Logger
}

// NewHTTPServer builds the REST surface. assistant may be nil, in which case
// the chat endpoint answers 503.
func NewHTTPServer(service *Service, assistant Assistant, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		assistant:  assistant,
		corsOrigin: corsOrigin,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/sign-up", s.handleSignUp)
		r.Post("/sign-in", s.handleSignIn)
		r.Post("/sign-out", s.handleSignOut)
	})
	r.Get("/api/session", s.handleSession)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.authed(s.handleListTasks))
		r.Post("/", s.authed(s.handleCreateTask))
		r.Get("/search", s.authed(s.handleSearchTasks))
		r.Put("/{id}", s.authed(s.handleUpdateTask))
		r.Delete("/{id}", s.authed(s.handleDeleteTask))
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Get("/", s.authed(s.handleListUsers))
		r.Post("/", s.authed(s.handleCreateUser))
		r.Get("/{id}", s.authed(s.handleGetUser))
		r.Put("/{id}", s.authed(s.handleUpdateUser))
		r.Delete("/{id}", s.authed(s.handleDeleteUser))
	})

	r.Post("/api/chat", s.authed(s.handleChat))
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Readiness(ctx) {
		if err == nil {
			checks[name] = map[string]any{"status": "ok"}
			continue
		}
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks[name] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{Email: body.Email, Password: body.Password, Name: body.Name})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"userId":  user.ID,
		"email":   user.Email,
		"role":    user.Role,
		"message": "Conta criada com sucesso",
	})
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userId":    session.UserID,
		"userName":  session.UserName,
		"email":     session.Email,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.service.SignOut(r.Context(), bearerToken(r)); err != nil {
		s.logger.Warn().Err(err).Msg("sign out")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"email":         session.Email,
		"role":          session.Role,
	})
}

type taskBody struct {
	Title       *string `json:"titulo"`
	Description *string `json:"descricao"`
	Done        *bool   `json:"completo"`
	UserID      string  `json:"userId"`
	UserEmail   string  `json:"userEmail"`
	UserName    string  `json:"userName"`
}

func (b taskBody) owner() resolve.UserHints {
	return resolve.UserHints{ID: b.UserID, Email: b.UserEmail, Name: b.UserName}
}

// The HTTP request itself is the confirmation, so REST mutations always
// pass Confirm.
func (s *HTTPServer) handleListTasks(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	result := s.service.ListTasks(r.Context(), session.Actor(), ListTasksInput{
		Owner: resolve.UserHints{ID: query.Get("userId"), Email: query.Get("userEmail"), Name: query.Get("userName")},
		Title: query.Get("taskName"),
	})
	writeOutcome(w, result, http.StatusOK)
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request, session Session) {
	var body taskBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	in := CreateTaskInput{Owner: body.owner(), Confirm: true}
	if body.Title != nil {
		in.Title = *body.Title
	}
	if body.Description != nil {
		in.Description = *body.Description
	}
	if body.Done != nil {
		in.Done = *body.Done
	}
	writeOutcome(w, s.service.CreateTask(r.Context(), session.Actor(), in), http.StatusCreated)
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request, session Session) {
	var body taskBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result := s.service.UpdateTask(r.Context(), session.Actor(), UpdateTaskInput{
		Target:      resolve.TaskHints{ID: chi.URLParam(r, "id")},
		Title:       body.Title,
		Description: body.Description,
		Done:        body.Done,
		NewOwner:    body.owner(),
		Confirm:     true,
	})
	writeOutcome(w, result, http.StatusOK)
}

func (s *HTTPServer) handleDeleteTask(w http.ResponseWriter, r *http.Request, session Session) {
	result := s.service.DeleteTask(r.Context(), session.Actor(), DeleteTaskInput{
		Target:  resolve.TaskHints{ID: chi.URLParam(r, "id")},
		Confirm: true,
	})
	writeOutcome(w, result, http.StatusOK)
}

func (s *HTTPServer) handleSearchTasks(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	result := s.service.SearchTasks(r.Context(), session.Actor(), SearchTasksInput{
		Text:  query.Get("q"),
		Limit: limit,
	})
	writeOutcome(w, result, http.StatusOK)
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request, session Session) {
	users, err := s.service.ListUsers(r.Context(), session.Actor())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request, session Session) {
	user, err := s.service.GetUser(r.Context(), session.Actor(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name  string `json:"nome"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.CreateUser(r.Context(), session.Actor(), CreateUserInput{Name: body.Name, Email: body.Email, Role: body.Role})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": user.ID, "role": user.Role, "message": MsgUserCreated})
}

func (s *HTTPServer) handleUpdateUser(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name  *string `json:"nome"`
		Email *string `json:"email"`
		Role  *string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	err := s.service.UpdateUser(r.Context(), session.Actor(), chi.URLParam(r, "id"), UpdateUserInput{Name: body.Name, Email: body.Email, Role: body.Role})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": MsgUserUpdated})
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteUser(r.Context(), session.Actor(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": MsgUserDeleted})
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, session Session) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "ASSISTANT_UNAVAILABLE", "Assistente não configurado", nil)
		return
	}
	var body struct {
		Messages []ChatMessage `json:"messages"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.assistant.Chat(r.Context(), session, body.Messages)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", session.UserID).Msg("chat failed")
		writeError(w, http.StatusInternalServerError, "CHAT_FAILED", "Falha ao processar chat", nil)
		return
	}
	if result.Messages == nil {
		result.Messages = []ChatMessage{}
	}
	writeJSON(w, http.StatusOK, result)
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", MsgUnauthenticated, nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", MsgUnauthenticated, nil)
			return Session{}, false
		}
		s.logger.Error().Err(err).Msg("session lookup failed")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeOutcome writes the data of a successful outcome with okStatus, or the
// outcome's error mapping otherwise.
func writeOutcome(w http.ResponseWriter, result Outcome, okStatus int) {
	if result.OK() {
		writeJSON(w, okStatus, result.Data)
		return
	}
	writeError(w, result.HTTPStatus(), result.Code(), result.Message, nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", MsgUnauthenticated, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
