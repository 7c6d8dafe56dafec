package server

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if seen == "" {
		t.Fatal("request id not set in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID = %q, want %q", got, seen)
	}
	if GetRequestID(context.Background()) != "" {
		t.Error("GetRequestID on empty context should be empty")
	}
}

func TestRequestIDMiddleware_IncomingHeader(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"uuid is kept", "9b2f6f4e-4a57-4c1e-9d7e-3f1b6c0a2d11", true},
		{"garbage is replaced", "not-an-id", false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest("GET", "/routes", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderRequestID, tt.incoming)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if tt.keep && seen != tt.incoming {
				t.Errorf("request id = %q, want %q", seen, tt.incoming)
			}
			if !tt.keep && (seen == "" || seen == tt.incoming) {
				t.Errorf("request id = %q, want a fresh id", seen)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "node_id", "LC")
		AddLogField(r.Context(), "empty", "")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("PUT", "/forwarding/default", nil))

	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"msg":"request completed"`, `"status":418`, `"bytes":5`, `"node_id":"LC"`, `"path":"/forwarding/default"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, `"empty"`) {
		t.Error("empty field was logged")
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var ok bool
	handler := TimeoutMiddleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !ok || time.Until(deadline) > time.Minute {
		t.Errorf("deadline = %v, %v", deadline, ok)
	}
}

func TestTimeoutMiddleware_PassThrough(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		upgrade bool
	}{
		{"zero timeout", 0, false},
		{"websocket upgrade", time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ok bool
			handler := TimeoutMiddleware(tt.timeout)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, ok = r.Context().Deadline()
			}))
			req := httptest.NewRequest("GET", "/ocpp/CS-1", nil)
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)
			if ok {
				t.Error("request got a deadline")
			}
		})
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	s := New(0, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	s.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("status = %d, request id = %q", resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
}
