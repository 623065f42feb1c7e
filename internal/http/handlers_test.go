package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ridehail/internal/auth"
	"github.com/example/ridehail/internal/lifecycle"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/payments"
	"github.com/example/ridehail/internal/realtime"
	"github.com/example/ridehail/internal/storage"
)

type testServer struct {
	srv      *Server
	store    *storage.Published
	sessions *lifecycle.Sessions
	tokens   *auth.Tokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(16, logger)
	store := storage.NewPublished(storage.NewMemoryStore(), hub)
	cfg := lifecycle.DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	sessions := lifecycle.NewSessions(lifecycle.Deps{Store: store, Feed: hub, Logger: logger, Config: cfg})
	tokens := auth.NewTokens("test-secret", time.Hour)
	srv := NewServer(Options{
		Store:    store,
		Sessions: sessions,
		Auth:     &auth.Service{Users: store, Tokens: tokens},
		Tokens:   tokens,
		Logger:   logger,
	})
	t.Cleanup(func() { sessions.CloseAll(context.Background()) })
	return &testServer{srv: srv, store: store, sessions: sessions, tokens: tokens}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) signUp(t *testing.T, phone string, role models.Role) auth.Session {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/auth/signup", "", auth.SignUpInput{FullName: "User " + phone, Phone: phone, Password: "secret1", Role: role})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup %s: %d %s", phone, rec.Code, rec.Body.String())
	}
	var sess auth.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess
}

// activate walks a freshly signed-up driver through documents, approval and payment.
func (ts *testServer) activate(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := ts.store.SubmitDocuments(ctx, id, []string{"http://files/licence.jpg"}); err != nil {
		t.Fatalf("documents: %v", err)
	}
	if _, err := ts.store.SetVerified(ctx, id, true); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := ts.store.RenewSubscription(ctx, id, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("subscription: %v", err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Request-ID"); got != "abc" {
		t.Fatalf("request id not echoed, got %q", got)
	}
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.signUp(t, "0550000001", models.RoleCustomer)
	if sess.Token == "" || sess.User.Role != models.RoleCustomer {
		t.Fatalf("unexpected session %+v", sess)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/signup", "", auth.SignUpInput{Phone: "0550000001", Password: "secret1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate phone: expected 409, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/auth/signup", "", auth.SignUpInput{Phone: "0550000009", Password: "secret1", Role: models.RoleAdmin})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("admin signup: expected 403, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/auth/signup", "", auth.SignUpInput{Phone: "0550000008", Password: "123"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password: expected 400, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", credentials{Phone: "0550000001", Password: "wrong-pass"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: expected 401, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", credentials{Phone: "0550000001", Password: "secret1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/auth/admin/login", "", credentials{Phone: "0550000001", Password: "secret1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("customer on admin login: expected 403, got %d", rec.Code)
	}

	me := ts.do(t, http.MethodGet, "/api/v1/me", sess.Token, nil)
	if me.Code != http.StatusOK || decode[models.User](t, me).ID != sess.User.ID {
		t.Fatalf("profile: %d %s", me.Code, me.Body.String())
	}
}

func TestRoleGuards(t *testing.T) {
	ts := newTestServer(t)
	customer := ts.signUp(t, "0550000002", models.RoleCustomer)

	if rec := ts.do(t, http.MethodGet, "/api/v1/passenger/state", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/passenger/state", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/driver/state", customer.Token, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("customer on driver route: expected 403, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/admin/drivers/x/approve", customer.Token, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("customer on admin route: expected 403, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/passenger/state", customer.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("own state: expected 200, got %d", rec.Code)
	}
}

func TestQuoteAndValidation(t *testing.T) {
	ts := newTestServer(t)
	trip := tripRequest{
		Pickup:      models.Place{Coord: models.Coord{Lat: 36.75, Lon: 3.05}},
		Destination: models.Place{Coord: models.Coord{Lat: 36.77, Lon: 3.07}},
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/quote", "", trip)
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", rec.Code, rec.Body.String())
	}
	q := decode[map[string]any](t, rec)
	if q["price"].(float64) <= 0 {
		t.Fatalf("expected a positive price, got %v", q)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/quote", "", tripRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty trip: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/geocode?q=algiers", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("geocode without provider: expected 503, got %d", rec.Code)
	}
}

func TestParseCoord(t *testing.T) {
	if c, err := parseCoord("36.75, 3.05"); err != nil || c.Lat != 36.75 || c.Lon != 3.05 {
		t.Fatalf("unexpected %v %v", c, err)
	}
	for _, bad := range []string{"", "36.75", "a,b", "91,0", "0,181"} {
		if _, err := parseCoord(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestRideOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	customer := ts.signUp(t, "0550000003", models.RoleCustomer)
	driver := ts.signUp(t, "0660000003", models.RoleDriver)

	rec := ts.do(t, http.MethodPost, "/api/v1/driver/online", driver.Token, onlineRequest{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unverified driver online: expected 403, got %d %s", rec.Code, rec.Body.String())
	}
	ts.activate(t, driver.User.ID)

	status := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/v1/driver/status", driver.Token, nil))
	if status["status"] != string(models.DriverStatusActive) {
		t.Fatalf("expected active, got %v", status)
	}

	ride := ts.do(t, http.MethodPost, "/api/v1/passenger/rides", customer.Token, lifecycle.RequestInput{
		Pickup:      models.Place{Coord: models.Coord{Lat: 36.75, Lon: 3.05}, Address: "A"},
		Destination: models.Place{Coord: models.Coord{Lat: 36.77, Lon: 3.07}, Address: "B"},
	})
	if ride.Code != http.StatusCreated {
		t.Fatalf("request ride: %d %s", ride.Code, ride.Body.String())
	}
	created := decode[models.Ride](t, ride)
	if created.Status != models.RideStatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	near := models.Coord{Lat: 36.751, Lon: 3.051}
	if rec := ts.do(t, http.MethodPost, "/api/v1/driver/online", driver.Token, onlineRequest{Location: &near}); rec.Code != http.StatusOK {
		t.Fatalf("online: %d %s", rec.Code, rec.Body.String())
	}
	eventually(t, "ride discovery", func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/driver/discover", driver.Token, nil)
		return rec.Code == http.StatusOK
	})

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/v1/driver/rides/%s/accept", created.ID), driver.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/v1/driver/rides/%s/accept", created.ID), driver.Token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", rec.Code)
	}

	eventually(t, "passenger sees the driver", func() bool {
		v := decode[lifecycle.PassengerView](t, ts.do(t, http.MethodGet, "/api/v1/passenger/state", customer.Token, nil))
		return v.Ride != nil && v.Ride.Status == models.RideStatusAccepted && v.Driver != nil
	})

	if rec := ts.do(t, http.MethodPost, "/api/v1/driver/offline", driver.Token, nil); rec.Code != http.StatusConflict {
		t.Fatalf("offline during ride: expected 409, got %d", rec.Code)
	}
}

func TestAdminApproveAndSuspend(t *testing.T) {
	ts := newTestServer(t)
	admin := &models.User{ID: "admin-1", Role: models.RoleAdmin, Phone: "0770000000"}
	if err := ts.store.CreateUser(context.Background(), admin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	token, _, err := ts.tokens.Issue(admin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	driver := ts.signUp(t, "0660000004", models.RoleDriver)
	customer := ts.signUp(t, "0550000004", models.RoleCustomer)

	rec := ts.do(t, http.MethodPost, "/api/v1/admin/drivers/"+driver.User.ID+"/approve", token, nil)
	if rec.Code != http.StatusOK || !decode[models.User](t, rec).IsVerified {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/admin/drivers/"+customer.User.ID+"/approve", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("approve customer: expected 400, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/admin/drivers/"+driver.User.ID+"/suspend", token, nil)
	if rec.Code != http.StatusOK || !decode[models.User](t, rec).IsSuspended {
		t.Fatalf("suspend: %d %s", rec.Code, rec.Body.String())
	}
	status := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/v1/driver/status", driver.Token, nil))
	if status["status"] != string(models.DriverStatusSuspended) {
		t.Fatalf("expected suspended, got %v", status)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/admin/drivers/missing/approve", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver: expected 404, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", lifecycle.ErrValidation), http.StatusBadRequest},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{lifecycle.ErrNotActive, http.StatusForbidden},
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrAlreadyClaimed, http.StatusConflict},
		{lifecycle.ErrInvalidState, http.StatusConflict},
		{payments.ErrPaymentFailed, http.StatusPaymentRequired},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
