package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"todoo/api/internal/auth"
	"todoo/api/internal/authpw"
	"todoo/api/internal/config"
	"todoo/api/internal/rbac"
	"todoo/api/internal/search"
	"todoo/api/internal/store"
	"todoo/api/internal/store/storetest"
)

var (
	adminActor = rbac.Actor{ID: "a1", Role: rbac.RoleAdmin}
	bia        = rbac.Actor{ID: "u1", Role: rbac.RoleUser}
	caio       = rbac.Actor{ID: "u2", Role: rbac.RoleUser}
)

func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }

type fakeIndex struct {
	mu       sync.Mutex
	indexed  []search.TaskRecord
	deleted  []string
	response search.Response
	queries  []search.Query
}

func (f *fakeIndex) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.response
}

func (f *fakeIndex) IndexTask(task search.TaskRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, task)
}

func (f *fakeIndex) DeleteTask(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func testConfig() config.Config {
	return config.Config{
		SessionSecret: "test-secret",
		SessionTTL:    time.Hour,
		CORSOrigin:    "*",
	}
}

type fixture struct {
	svc   *Service
	mem   *storetest.Memory
	index *fakeIndex
}

// newFixture seeds an admin (a1), two users (u1 Bia, u2 Caio) and a second
// Caio (u3) so name lookups can be ambiguous.
func newFixture(t *testing.T) fixture {
	t.Helper()
	mem := storetest.NewMemory()
	mem.AddUser(store.User{ID: "a1", Name: strPtr("Root"), Email: "root@example.com", Role: "ADMIN"})
	mem.AddUser(store.User{ID: "u1", Name: strPtr("Bia"), Email: "bia@example.com", Role: "USER"})
	mem.AddUser(store.User{ID: "u2", Name: strPtr("Caio"), Email: "caio@example.com", Role: "USER"})
	mem.AddUser(store.User{ID: "u3", Name: strPtr("Caio"), Email: "caio2@example.com", Role: "USER"})
	index := &fakeIndex{}
	svc := New(testConfig(), mem, mem, authpw.NewServiceWithCost(mem, bcrypt.MinCost), index, zerolog.Nop())
	return fixture{svc: svc, mem: mem, index: index}
}

func TestBootstrapSeedsAdminOnce(t *testing.T) {
	mem := storetest.NewMemory()
	cfg := testConfig()
	cfg.BootstrapAdminEmail = "Admin@Example.com"
	cfg.BootstrapAdminPassword = "password123"
	cfg.BootstrapAdminName = "Admin"
	svc := New(cfg, mem, mem, authpw.NewServiceWithCost(mem, bcrypt.MinCost), nil, zerolog.Nop())

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap failed: %v", err)
	}
	if got := mem.Count("CreateUser"); got != 1 {
		t.Fatalf("expected one CreateUser call, got %d", got)
	}

	admin, err := mem.GetUserByEmail(context.Background(), "admin@example.com")
	if err != nil {
		t.Fatalf("bootstrap admin missing: %v", err)
	}
	if admin.Role != "ADMIN" {
		t.Fatalf("expected ADMIN role, got %q", admin.Role)
	}

	session, err := svc.SignIn(context.Background(), authpw.SignInRequest{Email: "admin@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("bootstrap admin cannot sign in: %v", err)
	}
	if session.Actor().Role != rbac.RoleAdmin {
		t.Fatalf("expected admin actor, got %+v", session.Actor())
	}
}

func TestBootstrapSkippedWithoutConfig(t *testing.T) {
	mem := storetest.NewMemory()
	svc := New(testConfig(), mem, mem, authpw.NewServiceWithCost(mem, bcrypt.MinCost), nil, zerolog.Nop())

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if len(mem.Ops()) != 0 {
		t.Fatalf("expected no store calls, got %v", mem.Ops())
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SignUp(ctx, authpw.SignUpRequest{Email: "dora@example.com", Password: "password123", Name: "Dora"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	session, err := f.svc.SignIn(ctx, authpw.SignInRequest{Email: "dora@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if session.Token == "" || session.ExpiresAt.IsZero() {
		t.Fatalf("incomplete session: %+v", session)
	}

	resolved, err := f.svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if resolved.UserID != session.UserID || resolved.UserName != "Dora" || resolved.Role != "USER" {
		t.Fatalf("unexpected session %+v", resolved)
	}

	if err := f.svc.SignOut(ctx, session.Token); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if _, err := f.svc.SessionFromToken(ctx, session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after sign out, got %v", err)
	}
}

func TestSessionFromTokenRejectsForgedAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SessionFromToken(ctx, "forged.token"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for forged token, got %v", err)
	}

	user, _ := f.mem.User("u1")
	f.svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := f.svc.CreateSession(ctx, user)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := f.svc.SessionFromToken(ctx, expired.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired session, got %v", err)
	}
}

func TestSessionFromTokenForDeletedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, _ := f.mem.User("u2")
	session, err := f.svc.CreateSession(ctx, user)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := f.mem.DeleteUser(ctx, "u2"); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if _, err := f.svc.SessionFromToken(ctx, session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSignInWrongPasswordIsDomainError(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SignIn(context.Background(), authpw.SignInRequest{Email: "bia@example.com", Password: "whatever1"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("expected 401 DomainError, got %v", err)
	}
}

func TestSessionActorIgnoresUnknownRole(t *testing.T) {
	actor := Session{UserID: "u1", Role: "superuser"}.Actor()
	if rbac.Can(&actor, rbac.ActionRead, rbac.TaskType) {
		t.Fatal("unknown role must not be granted anything")
	}
}

func TestReadinessReportsEachBackend(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("db down")
	f.mem.Fail = func(op string) error {
		if op == "Ping" {
			return boom
		}
		return nil
	}

	checks := f.svc.Readiness(context.Background())
	if !errors.Is(checks["database"], boom) {
		t.Fatalf("expected database failure, got %v", checks["database"])
	}
	if err, ok := checks["search"]; !ok || err != nil {
		t.Fatalf("expected healthy search check, got %v (present %v)", err, ok)
	}
}

func searchResponse(owners ...string) search.Response {
	resp := search.Response{Total: len(owners)}
	for i, owner := range owners {
		resp.Results = append(resp.Results, search.Result{ID: fmt.Sprintf("s%d", i+1), OwnerID: owner})
	}
	return resp
}
