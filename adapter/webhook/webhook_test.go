package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/k4Y53N/nanoServer/adapter"
	"github.com/k4Y53N/nanoServer/iox"
)

func testEvent() *adapter.SessionEvent {
	return &adapter.SessionEvent{
		EventType:  adapter.EventClientConnected,
		SessionID:  "3f2b9c1e-0000-4000-8000-000000000001",
		ClientAddr: "192.168.1.20:53110",
		ServerAddr: "0.0.0.0:5050",
		Version:    "0.3.0",
		Timestamp:  "2026-02-07T12:00:00Z",
	}
}

func TestPublish_Codecs(t *testing.T) {
	tests := []struct {
		codec       string
		contentType string
	}{
		{"", "application/json"},
		{adapter.CodecJSON, "application/json"},
		{adapter.CodecMsgpack, "application/msgpack"},
	}
	for _, tt := range tests {
		t.Run("codec="+tt.codec, func(t *testing.T) {
			var received *adapter.SessionEvent
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != tt.contentType {
					t.Errorf("Content-Type = %s, want %s", ct, tt.contentType)
				}
				if ev := r.Header.Get("X-Nanoserver-Event"); ev != adapter.EventClientConnected {
					t.Errorf("X-Nanoserver-Event = %q", ev)
				}
				body, _ := io.ReadAll(r.Body)
				ev, err := adapter.Decode(tt.codec, body)
				if err != nil {
					t.Errorf("decode: %v", err)
				}
				received = ev
				w.WriteHeader(http.StatusOK)
			}))
			defer ts.Close()

			a, err := New(Config{URL: ts.URL, Codec: tt.codec})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer iox.DiscardClose(a)

			if err := a.Publish(t.Context(), testEvent()); err != nil {
				t.Fatalf("publish: %v", err)
			}
			if received == nil || *received != *testEvent() {
				t.Errorf("received %+v, want %+v", received, testEvent())
			}
		})
	}
}

func TestPublish_CustomHeaders(t *testing.T) {
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Headers: map[string]string{"Authorization": "Bearer robot-token"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if authHeader != "Bearer robot-token" {
		t.Errorf("Authorization = %q", authHeader)
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		retries      int
		wantErr      bool
		wantAttempts int32
	}{
		{"2xx range accepted", []int{http.StatusAccepted}, 0, false, 1},
		{"5xx then success", []int{http.StatusBadGateway, http.StatusOK}, 2, false, 2},
		{"5xx exhausts retries", []int{500, 500, 500}, 2, true, 3},
		{"4xx fails immediately", []int{http.StatusUnauthorized}, 3, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				status := tt.statuses[len(tt.statuses)-1]
				if int(n) <= len(tt.statuses) {
					status = tt.statuses[n-1]
				}
				w.WriteHeader(status)
			}))
			defer ts.Close()

			a, err := New(Config{URL: ts.URL, Retries: tt.retries, Backoff: 5 * time.Millisecond})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer iox.DiscardClose(a)

			err = a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Errorf("Publish err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Retries: 10, Backoff: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Publish took %v after cancellation", elapsed)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://localhost", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}
	if _, err := New(Config{URL: "http://localhost", Codec: "protobuf"}); err == nil {
		t.Error("expected error for unknown codec")
	}

	a, err := New(Config{URL: "http://localhost"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", a.config.Timeout, DefaultTimeout)
	}
}
