package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"todoo/api/internal/store"
)

type httpFixture struct {
	fixture
	handler http.Handler
}

func newHTTPFixture(t *testing.T, assistant Assistant) httpFixture {
	t.Helper()
	f := newFixture(t)
	return httpFixture{fixture: f, handler: NewHTTPServer(f.svc, assistant, "*", zerolog.Nop()).Handler()}
}

func (h httpFixture) token(t *testing.T, userID string) string {
	t.Helper()
	user, ok := h.mem.User(userID)
	if !ok {
		t.Fatalf("unknown user %s", userID)
	}
	session, err := h.svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session.Token
}

func (h httpFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newHTTPFixture(t, nil)
	rr := h.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if decodeMap(t, rr)["ok"] != true {
		t.Fatalf("expected ok=true, got %s", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := newHTTPFixture(t, nil)
	rr := h.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	h.mem.Fail = func(op string) error {
		if op == "Ping" {
			return errors.New("connection refused")
		}
		return nil
	}
	rr = h.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	response := decodeMap(t, rr)
	checks := response["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" {
		t.Fatalf("expected database error, got %v", database)
	}
}

func TestPreflightRequest(t *testing.T) {
	h := newHTTPFixture(t, nil)
	rr := h.do(t, http.MethodOptions, "/api/tasks", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header: %v", rr.Header())
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	h := newHTTPFixture(t, nil)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks"},
		{http.MethodPost, "/api/tasks"},
		{http.MethodDelete, "/api/tasks/t1"},
		{http.MethodGet, "/api/users"},
		{http.MethodPost, "/api/chat"},
	} {
		rr := h.do(t, route.method, route.path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, rr.Code)
		}
		if decodeMap(t, rr)["error"] != MsgUnauthenticated {
			t.Fatalf("%s %s: unexpected body %s", route.method, route.path, rr.Body.String())
		}
	}

	rr := h.do(t, http.MethodGet, "/api/tasks", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	h := newHTTPFixture(t, nil)

	rr := h.do(t, http.MethodPost, "/api/auth/sign-up", "", map[string]any{"email": "dora@example.com", "password": "password123", "name": "Dora"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("sign-up: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if decodeMap(t, rr)["role"] != "USER" {
		t.Fatalf("sign-up must create USER accounts: %s", rr.Body.String())
	}

	rr = h.do(t, http.MethodPost, "/api/auth/sign-up", "", map[string]any{"email": "dora@example.com", "password": "password123"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate sign-up: expected 409, got %d", rr.Code)
	}

	rr = h.do(t, http.MethodPost, "/api/auth/sign-in", "", map[string]any{"email": "dora@example.com", "password": "wrong-password"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad sign-in: expected 401, got %d", rr.Code)
	}

	rr = h.do(t, http.MethodPost, "/api/auth/sign-in", "", map[string]any{"email": "dora@example.com", "password": "password123"})
	if rr.Code != http.StatusOK {
		t.Fatalf("sign-in: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeMap(t, rr)["token"].(string)
	if token == "" {
		t.Fatal("sign-in returned no token")
	}

	rr = h.do(t, http.MethodGet, "/api/session", token, nil)
	session := decodeMap(t, rr)
	if session["authenticated"] != true || session["userName"] != "Dora" {
		t.Fatalf("unexpected session %v", session)
	}

	rr = h.do(t, http.MethodPost, "/api/auth/sign-out", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("sign-out: expected 200, got %d", rr.Code)
	}
	rr = h.do(t, http.MethodGet, "/api/session", token, nil)
	if decodeMap(t, rr)["authenticated"] != false {
		t.Fatalf("session should be gone after sign-out: %s", rr.Body.String())
	}
}

func TestTaskRoutes(t *testing.T) {
	h := newHTTPFixture(t, nil)
	biaToken := h.token(t, "u1")
	caioToken := h.token(t, "u2")

	rr := h.do(t, http.MethodPost, "/api/tasks", biaToken, map[string]any{"titulo": "Buy milk", "descricao": "2 liters", "completo": false})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	taskID, _ := decodeMap(t, rr)["id"].(string)
	if taskID == "" {
		t.Fatalf("create returned no id: %s", rr.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/api/tasks", biaToken, nil)
	var tasks []TaskView
	if err := json.Unmarshal(rr.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "Buy milk" || tasks[0].Owner.Name != "Bia" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if !strings.Contains(rr.Body.String(), `"titulo":"Buy milk"`) {
		t.Fatalf("expected Portuguese field names, got %s", rr.Body.String())
	}

	rr = h.do(t, http.MethodPut, "/api/tasks/"+taskID, caioToken, map[string]any{"completo": true})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign update: expected 403, got %d", rr.Code)
	}
	if decodeMap(t, rr)["error"] != MsgForbiddenUpdate {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	rr = h.do(t, http.MethodPut, "/api/tasks/"+taskID, biaToken, map[string]any{"completo": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if task, _ := h.mem.Task(taskID); !task.Done || task.Description != "2 liters" {
		t.Fatalf("unexpected task after update %+v", task)
	}

	rr = h.do(t, http.MethodDelete, "/api/tasks/missing", biaToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("delete missing: expected 404, got %d", rr.Code)
	}

	rr = h.do(t, http.MethodDelete, "/api/tasks/"+taskID, biaToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
}

func TestTaskRoutesOutcomeStatusMapping(t *testing.T) {
	h := newHTTPFixture(t, nil)
	adminToken := h.token(t, "a1")

	rr := h.do(t, http.MethodPost, "/api/tasks", adminToken, map[string]any{"titulo": "x", "userName": "Caio"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("ambiguous owner: expected 409, got %d", rr.Code)
	}
	body := decodeMap(t, rr)
	if body["code"] != "AMBIGUOUS" {
		t.Fatalf("unexpected body %v", body)
	}

	rr = h.do(t, http.MethodPost, "/api/tasks", adminToken, map[string]any{"titulo": ""})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank title: expected 400, got %d", rr.Code)
	}

	h.mem.Fail = func(op string) error {
		if op == "ListTasks" {
			return errors.New("pq: relation does not exist")
		}
		return nil
	}
	rr = h.do(t, http.MethodGet, "/api/tasks", adminToken, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("store failure: expected 502, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "pq:") {
		t.Fatalf("driver error leaked: %s", rr.Body.String())
	}
}

func TestListTasksQueryFilters(t *testing.T) {
	h := newHTTPFixture(t, nil)
	h.mem.AddTask(store.Task{ID: "t1", Title: "Buy milk", OwnerID: "u1"})
	h.mem.AddTask(store.Task{ID: "t2", Title: "Buy milk", OwnerID: "u2"})
	adminToken := h.token(t, "a1")

	rr := h.do(t, http.MethodGet, "/api/tasks?userEmail=caio@example.com&taskName=Buy+milk", adminToken, nil)
	var tasks []TaskView
	if err := json.Unmarshal(rr.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestUserRoutes(t *testing.T) {
	h := newHTTPFixture(t, nil)
	adminToken := h.token(t, "a1")
	biaToken := h.token(t, "u1")

	rr := h.do(t, http.MethodGet, "/api/users", biaToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("list as user: expected 403, got %d", rr.Code)
	}

	rr = h.do(t, http.MethodPost, "/api/users", adminToken, map[string]any{"nome": "Eva", "email": "eva@example.com"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeMap(t, rr)
	if created["role"] != "USER" || created["message"] != MsgUserCreated {
		t.Fatalf("unexpected body %v", created)
	}
	id := created["id"].(string)

	rr = h.do(t, http.MethodGet, "/api/users/"+id, adminToken, nil)
	if rr.Code != http.StatusOK || decodeMap(t, rr)["nome"] != "Eva" {
		t.Fatalf("get: unexpected %d %s", rr.Code, rr.Body.String())
	}

	rr = h.do(t, http.MethodPut, "/api/users/u1", biaToken, map[string]any{"role": "ADMIN"})
	if rr.Code != http.StatusForbidden || decodeMap(t, rr)["error"] != MsgForbiddenRoleChange {
		t.Fatalf("role change: unexpected %d %s", rr.Code, rr.Body.String())
	}

	rr = h.do(t, http.MethodDelete, "/api/users/"+id, biaToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("delete as user: expected 403, got %d", rr.Code)
	}
	rr = h.do(t, http.MethodDelete, "/api/users/"+id, adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
	rr = h.do(t, http.MethodGet, "/api/users/"+id, adminToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", rr.Code)
	}
}

type stubAssistant struct {
	session Session
	history []ChatMessage
	result  ChatResult
	err     error
}

func (s *stubAssistant) Chat(_ context.Context, session Session, history []ChatMessage) (ChatResult, error) {
	s.session = session
	s.history = history
	return s.result, s.err
}

func TestChatRoute(t *testing.T) {
	h := newHTTPFixture(t, nil)
	rr := h.do(t, http.MethodPost, "/api/chat", h.token(t, "u1"), map[string]any{"messages": []any{}})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("no assistant: expected 503, got %d", rr.Code)
	}

	stub := &stubAssistant{result: ChatResult{Reply: "Pronto"}}
	h = newHTTPFixture(t, stub)
	rr = h.do(t, http.MethodPost, "/api/chat", h.token(t, "u1"), map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "liste minhas tarefas"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeMap(t, rr)
	if body["reply"] != "Pronto" {
		t.Fatalf("unexpected body %v", body)
	}
	if stub.session.UserID != "u1" || len(stub.history) != 1 || stub.history[0].Content != "liste minhas tarefas" {
		t.Fatalf("assistant got session %+v history %+v", stub.session, stub.history)
	}

	stub.err = errors.New("upstream 500")
	rr = h.do(t, http.MethodPost, "/api/chat", h.token(t, "u1"), map[string]any{"messages": []any{}})
	if rr.Code != http.StatusInternalServerError || decodeMap(t, rr)["error"] != "Falha ao processar chat" {
		t.Fatalf("chat failure: unexpected %d %s", rr.Code, rr.Body.String())
	}
}
