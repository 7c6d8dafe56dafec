package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/forwarding"
	"github.com/ocppnet/overlay/internal/metrics"
	"github.com/ocppnet/overlay/internal/node"
	"github.com/ocppnet/overlay/internal/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *node.Node, *memory.Store) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	n, err := node.New("LC", node.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	n.Routes().SetDefault("CSMS")

	store := memory.New()
	return NewServer(Config{Node: n, Store: store, Gatherer: reg}), n, store
}

func do(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndRoutes(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.NodeID != "LC" || health.Status != "ok" {
		t.Errorf("health = %+v", health)
	}

	rec = do(t, s, "GET", "/routes", "")
	var routes struct {
		Routes []node.RouteInfo `json:"routes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &routes); err != nil {
		t.Fatal(err)
	}
	if len(routes.Routes) != 1 || !routes.Routes[0].Default || routes.Routes[0].Via != "CSMS" {
		t.Errorf("routes = %+v", routes.Routes)
	}

	rec = do(t, s, "GET", "/pending", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pending":[]`) {
		t.Errorf("pending = %d %s", rec.Code, rec.Body.String())
	}
}

func TestDefaultDecision(t *testing.T) {
	s, n, _ := newTestServer(t)
	var notified forwarding.Kind
	s.cfg.OnDecisionChange = func(k forwarding.Kind) { notified = k }

	tests := []struct {
		name       string
		body       string
		wantStatus int
		want       forwarding.Kind
	}{
		{"reject", `{"decision":"reject"}`, http.StatusOK, forwarding.Reject},
		{"forward upper", `{"decision":"FORWARD"}`, http.StatusOK, forwarding.Forward},
		{"unknown", `{"decision":"maybe"}`, http.StatusBadRequest, forwarding.Forward},
		{"replace is not a default", `{"decision":"REPLACE"}`, http.StatusBadRequest, forwarding.Forward},
		{"bad json", `{`, http.StatusBadRequest, forwarding.Forward},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, "PUT", "/forwarding/default", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := n.Pipeline().DefaultDecision(); got != tt.want {
				t.Errorf("default = %s, want %s", got, tt.want)
			}
		})
	}
	if notified != forwarding.Forward {
		t.Errorf("last notification = %s", notified)
	}

	rec := do(t, s, "GET", "/forwarding/default", "")
	if !strings.Contains(rec.Body.String(), `"decision":"FORWARD"`) {
		t.Errorf("GET default = %s", rec.Body.String())
	}
}

func TestEvents(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()
	for _, e := range []*domain.NodeEvent{
		{ID: "1", Kind: domain.EventReceived, NodeID: "LC", RequestID: "r1", Action: "Reset"},
		{ID: "2", Kind: domain.EventFiltered, NodeID: "LC", RequestID: "r1", Action: "Reset", Decision: "REJECT"},
		{ID: "3", Kind: domain.EventReceived, NodeID: "LC", RequestID: "r2", Action: "Heartbeat"},
	} {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		path       string
		wantStatus int
		wantCount  int
	}{
		{"/events", http.StatusOK, 3},
		{"/events?request_id=r1", http.StatusOK, 2},
		{"/events?kind=received&limit=1", http.StatusOK, 1},
		{"/events?limit=x", http.StatusBadRequest, 0},
		{"/events?since=yesterday", http.StatusBadRequest, 0},
		{"/events/r2", http.StatusOK, 1},
		{"/events/unknown", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, s, "GET", tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body struct {
				Events []*domain.NodeEvent `json:"events"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if len(body.Events) != tt.wantCount {
				t.Errorf("events = %d, want %d", len(body.Events), tt.wantCount)
			}
		})
	}
}

func TestEventsWithoutStore(t *testing.T) {
	n, err := node.New("A")
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	s := NewServer(Config{Node: n})
	if rec := do(t, s, "GET", "/events", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("/metrics without gatherer = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, n, _ := newTestServer(t)
	if err := n.Pipeline().SetDefaultDecision(forwarding.Reject); err != nil {
		t.Fatal(err)
	}
	rec := do(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ocpp_node_pending_requests") {
		t.Errorf("metrics output missing pending gauge:\n%s", rec.Body.String())
	}
}
