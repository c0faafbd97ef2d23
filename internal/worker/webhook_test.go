package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leaseq/leaseq/internal/model"
)

func testMessage() model.Message {
	return model.New("order.created", json.RawMessage(`{"id":7}`), time.Now().UTC())
}

func TestWebhookHandlerDelivers(t *testing.T) {
	var gotName, gotID string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = r.Header.Get("X-Leaseq-Message")
		gotID = r.Header.Get("X-Leaseq-Id")
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := testMessage()
	h := NewWebhookHandler(srv.URL, time.Second, nil)

	if err := h.Handle(context.Background(), m); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gotName != m.Name || gotID != m.ID {
		t.Fatalf("headers = (%q, %q), want (%q, %q)", gotName, gotID, m.Name, m.ID)
	}
	if string(gotBody) != string(m.Payload) {
		t.Fatalf("body = %q, want %q", gotBody, m.Payload)
	}
}

func TestWebhookHandlerNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewWebhookHandler(srv.URL, time.Second, nil)
	if err := h.Handle(context.Background(), testMessage()); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestWebhookHandlerTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewMicroBreaker(2, time.Minute)
	h := NewWebhookHandler(srv.URL, time.Second, b)

	_ = h.Handle(context.Background(), testMessage())
	_ = h.Handle(context.Background(), testMessage())

	err := h.Handle(context.Background(), testMessage())
	if err == nil {
		t.Fatalf("expected circuit-open error")
	}
}
