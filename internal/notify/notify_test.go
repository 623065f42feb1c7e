package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDispatcherFallsBackToPush(t *testing.T) {
	var got map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing auth header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &Dispatcher{WS: NewWSRegistry(), Push: NewPushDispatcher(srv.URL, "k")}
	if err := d.Notify("u1", Notification{Kind: KindDriverAssigned, RideID: "r1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got["message"]["topic"] != "user-u1" {
		t.Fatalf("unexpected push body %+v", got)
	}
}

func TestDispatcherWithoutChannels(t *testing.T) {
	d := &Dispatcher{WS: NewWSRegistry()}
	if err := d.Notify("u1", Notification{Kind: KindError}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestWSRegistryDelivers(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := reg.Add("u1", conn)
		close(registered)
		reg.ReadLoop("u1", s)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-registered

	if err := reg.Notify("u1", Notification{Kind: KindRideStarted, RideID: "r9"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var n Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n.Kind != KindRideStarted || n.RideID != "r9" {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestDispatcherLogsBrokenSocket(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	registered := make(chan *WSSession, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		registered <- reg.Add("u1", conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	s := <-registered
	_ = s.conn.Close()

	var buf bytes.Buffer
	d := &Dispatcher{WS: reg, Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	if err := d.Notify("u1", Notification{Kind: KindRideStarted}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession without push, got %v", err)
	}
	if !strings.Contains(buf.String(), "ws notify failed") || !strings.Contains(buf.String(), "user_id=u1") {
		t.Fatalf("send failure must be logged once through slog, got %q", buf.String())
	}
}
