package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/storage"
)

func newService() *Service {
	return &Service{Users: storage.NewMemoryStore(), Tokens: NewTokens("test-secret", time.Hour)}
}

func TestSignUpAndLogin(t *testing.T) {
	s := newService()
	ctx := context.Background()
	sess, err := s.SignUp(ctx, SignUpInput{FullName: "Amina", Phone: "0550000001", Password: "hunter22", Role: models.RoleDriver})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if sess.User.PasswordHash == "hunter22" || sess.Token == "" {
		t.Fatalf("password must be hashed and a token issued")
	}
	if _, err := s.SignUp(ctx, SignUpInput{Phone: "0550000001", Password: "another1"}); !errors.Is(err, ErrPhoneTaken) {
		t.Fatalf("expected ErrPhoneTaken, got %v", err)
	}

	got, err := s.Login(ctx, " 0550000001 ", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := s.Tokens.Parse(got.Token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != sess.User.ID || claims.Role != models.RoleDriver {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := s.Login(ctx, "0550000001", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := s.Login(ctx, "0000", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown phone must look like bad credentials, got %v", err)
	}
}

func TestSignUpRejectsAdminAndWeakPassword(t *testing.T) {
	s := newService()
	ctx := context.Background()
	if _, err := s.SignUp(ctx, SignUpInput{Phone: "1", Password: "hunter22", Role: models.RoleAdmin}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := s.SignUp(ctx, SignUpInput{Phone: "1", Password: "abc"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestAdminLoginRequiresAdminRole(t *testing.T) {
	s := newService()
	ctx := context.Background()
	if _, err := s.SignUp(ctx, SignUpInput{Phone: "0551", Password: "hunter22"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if sess, err := s.AdminLogin(ctx, "0551", "hunter22"); !errors.Is(err, ErrForbidden) || sess != nil {
		t.Fatalf("customer must be refused admin login, got %v %v", sess, err)
	}

	hash, _ := HashPassword("rootroot")
	admin := &models.User{ID: "a1", Role: models.RoleAdmin, Phone: "0999", PasswordHash: hash}
	if err := s.Users.CreateUser(ctx, admin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	sess, err := s.AdminLogin(ctx, "0999", "rootroot")
	if err != nil || sess.User.ID != "a1" {
		t.Fatalf("admin login: %v", err)
	}
}

func TestTokenExpiryAndTampering(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	now := time.Now()
	tokens.now = func() time.Time { return now }
	tok, _, err := tokens.Issue(&models.User{ID: "u1", Role: models.RoleCustomer})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewTokens("other", time.Minute).Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret must fail, got %v", err)
	}
	tokens.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := tokens.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}
