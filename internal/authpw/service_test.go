package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"todoo/api/internal/store/storetest"
)

func newTestService() (*Service, *storetest.Memory) {
	mem := storetest.NewMemory()
	return NewServiceWithCost(mem, bcrypt.MinCost), mem
}

func TestSignUpCreatesUserRole(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{Email: " Ana@Example.com ", Password: "password123", Name: "Ana"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if user.Role != "USER" {
		t.Fatalf("expected USER role, got %q", user.Role)
	}
	if user.Email != "ana@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	stored, ok := mem.User(user.ID)
	if !ok {
		t.Fatal("user was not stored")
	}
	if stored.PasswordHash == "" || stored.PasswordHash == "password123" {
		t.Fatal("password must be stored hashed")
	}
	if stored.Name == nil || *stored.Name != "Ana" {
		t.Fatalf("unexpected name %v", stored.Name)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := map[string]SignUpRequest{
		"missing email":  {Password: "password123"},
		"invalid email":  {Email: "not-an-email", Password: "password123"},
		"short password": {Email: "ana@example.com", Password: "short"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.SignUp(ctx, req)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "ana@example.com", Password: "password123"}); err != nil {
		t.Fatalf("first SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "ana@example.com", Password: "password456"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignIn(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.SignUp(ctx, SignUpRequest{Email: "ana@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	user, err := svc.SignIn(ctx, SignInRequest{Email: "ANA@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if user.ID != created.ID {
		t.Fatalf("signed in as %s, want %s", user.ID, created.ID)
	}

	for name, req := range map[string]SignInRequest{
		"wrong password": {Email: "ana@example.com", Password: "password999"},
		"unknown email":  {Email: "bia@example.com", Password: "password123"},
		"empty":          {},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.SignIn(ctx, req); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestSignInStoreFailure(t *testing.T) {
	svc, mem := newTestService()
	boom := errors.New("db down")
	mem.Fail = func(string) error { return boom }

	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "ana@example.com", Password: "password123"}); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
