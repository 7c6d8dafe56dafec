package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/forwarding"
	"github.com/ocppnet/overlay/internal/ocpp"
	"github.com/ocppnet/overlay/internal/signature"
	"github.com/ocppnet/overlay/internal/transport/memory"
)

// eventLog collects published node events.
type eventLog struct {
	mu     sync.Mutex
	events []*domain.NodeEvent
}

func (l *eventLog) Publish(_ context.Context, ev *domain.NodeEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) Close() error { return nil }

func (l *eventLog) count(kind domain.NodeEventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func mustNode(t *testing.T, id domain.NetworkingNodeID, opts ...Option) *Node {
	t.Helper()
	n, err := New(id, opts...)
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func link(a, b *Node, opts ...memory.PipeOption) (*memory.Conn, *memory.Conn) {
	ca, cb := memory.Pipe(a.ID(), b.ID(), a, b, opts...)
	a.AddConnection(ca)
	b.AddConnection(cb)
	return ca, cb
}

// chain builds CSMS <-> LC <-> CS with CSMS routing everything through LC.
func chain(t *testing.T, lcOpts ...Option) (csms, lc, cs *Node) {
	t.Helper()
	csms = mustNode(t, "CSMS")
	lc = mustNode(t, "LC", lcOpts...)
	cs = mustNode(t, "CS")
	link(csms, lc)
	link(lc, cs)
	csms.Routes().SetDefault("LC")
	cs.Routes().SetDefault("LC")
	return csms, lc, cs
}

func acceptAvailability(received *atomic.Int32) HandlerFunc {
	return func(_ context.Context, req ocpp.Request) (ocpp.Response, error) {
		received.Add(1)
		return ocpp.NewChangeAvailabilityResponse(req.(*ocpp.ChangeAvailabilityRequest), ocpp.ChangeAvailabilityAccepted), nil
	}
}

func TestForwardScenario(t *testing.T) {
	events := &eventLog{}
	csms, lc, cs := chain(t, WithEventPublisher(events))

	var receivedAtCS atomic.Int32
	var forwardedPayload []byte
	var mu sync.Mutex
	cs.HandleFunc(ocpp.ActionChangeAvailability, func(ctx context.Context, req ocpp.Request) (ocpp.Response, error) {
		p, _ := req.MarshalPayload()
		mu.Lock()
		forwardedPayload = p
		mu.Unlock()
		return acceptAvailability(&receivedAtCS)(ctx, req)
	})

	var received, filtered atomic.Int32
	lc.Pipeline().OnRequestReceived(func(context.Context, *ports.FilterInput) error {
		received.Add(1)
		return nil
	})
	lc.Pipeline().OnRequestFiltered(func(_ context.Context, d *forwarding.Decision) error {
		if d.Kind != forwarding.Forward {
			t.Errorf("decision = %s", d.Kind)
		}
		filtered.Add(1)
		return nil
	})

	req := ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CS"), ocpp.Inoperative, &ocpp.EVSE{ID: 1},
		domain.WithNetworkPath(domain.NewNetworkPath("CSMS")),
		domain.WithRequestTimeout(5*time.Second))
	resp := csms.SendRequest(context.Background(), req)

	ca, ok := resp.(*ocpp.ChangeAvailabilityResponse)
	if !ok {
		t.Fatalf("response type %T", resp)
	}
	if !ca.Result().IsOK() {
		t.Fatalf("result = %s", ca.Result())
	}
	if ca.Status != ocpp.ChangeAvailabilityAccepted {
		t.Errorf("status = %s", ca.Status)
	}
	if got := ca.NetworkPath().String(); got != "CS -> LC" {
		t.Errorf("response path = %q", got)
	}

	if received.Load() != 1 || filtered.Load() != 1 {
		t.Errorf("received=%d filtered=%d, want 1 each", received.Load(), filtered.Load())
	}
	if receivedAtCS.Load() != 1 {
		t.Errorf("CS handled %d requests", receivedAtCS.Load())
	}
	want, _ := req.MarshalPayload()
	mu.Lock()
	if string(forwardedPayload) != string(want) {
		t.Errorf("forwarded payload = %s, want %s", forwardedPayload, want)
	}
	mu.Unlock()

	if lc.Engine().Len() != 0 {
		t.Errorf("LC still tracks %d requests", lc.Engine().Len())
	}
	if csms.Engine().Len() != 0 {
		t.Errorf("CSMS still tracks %d requests", csms.Engine().Len())
	}
	if events.count(domain.EventReceived) != 1 || events.count(domain.EventFiltered) != 1 || events.count(domain.EventSent) != 1 {
		t.Errorf("LC events = %+v", events.events)
	}
}

func TestRejectScenario(t *testing.T) {
	csms, lc, cs := chain(t, WithDefaultDecision(forwarding.Reject))

	var receivedAtCS atomic.Int32
	cs.HandleFunc(ocpp.ActionChangeAvailability, acceptAvailability(&receivedAtCS))

	req := ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CS"), ocpp.Inoperative, nil,
		domain.WithRequestTimeout(time.Minute))

	start := time.Now()
	resp := csms.SendRequest(context.Background(), req)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("reject took %s", elapsed)
	}

	r := resp.Envelope().Result()
	if r.Code != domain.ResultFiltered {
		t.Fatalf("result = %s, want Filtered", r)
	}
	if ca := resp.(*ocpp.ChangeAvailabilityResponse); ca.Status != ocpp.ChangeAvailabilityRejected {
		t.Errorf("status = %s", ca.Status)
	}
	if receivedAtCS.Load() != 0 {
		t.Error("rejected request reached CS")
	}
	if lc.Engine().Len() != 0 {
		t.Error("LC registered a relay for a rejected request")
	}
}

func TestDefaultDecisionCanChangeAtRuntime(t *testing.T) {
	csms, lc, cs := chain(t)
	var receivedAtCS atomic.Int32
	cs.HandleFunc(ocpp.ActionChangeAvailability, acceptAvailability(&receivedAtCS))

	if err := lc.Pipeline().SetDefaultDecision(forwarding.Reject); err != nil {
		t.Fatal(err)
	}
	resp := csms.SendRequest(context.Background(),
		ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CS"), ocpp.Operative, nil))
	if resp.Envelope().Result().Code != domain.ResultFiltered {
		t.Fatalf("result = %s", resp.Envelope().Result())
	}
}

func TestLocalHandlerErrors(t *testing.T) {
	csms := mustNode(t, "CSMS")
	cs := mustNode(t, "CS")
	link(csms, cs)

	cs.HandleFunc(ocpp.ActionReset, func(context.Context, ocpp.Request) (ocpp.Response, error) {
		return nil, &domain.RequestError{Code: domain.ErrorSecurityError, Description: "not allowed"}
	})
	cs.HandleFunc(ocpp.ActionHeartbeat, func(context.Context, ocpp.Request) (ocpp.Response, error) {
		panic("handler bug")
	})

	tests := []struct {
		name string
		req  ocpp.Request
		want domain.ResultCode
	}{
		{"request error", ocpp.NewResetRequest(domain.SourceRoutingTo("CS"), ocpp.ResetImmediate, nil), domain.ResultSignatureError},
		{"panic", ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("CS")), domain.ResultServer},
		{"no handler", ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CS"), ocpp.Operative, nil), domain.ResultGenericError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := csms.SendRequest(context.Background(), tt.req)
			if got := resp.Envelope().Result().Code; got != tt.want {
				t.Fatalf("result = %s, want %s", resp.Envelope().Result(), tt.want)
			}
		})
	}
}

func TestNoRoute(t *testing.T) {
	csms := mustNode(t, "CSMS")
	resp := csms.SendRequest(context.Background(), ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("nowhere")))
	r := resp.Envelope().Result()
	if r.Code != domain.ResultException {
		t.Fatalf("result = %s", r)
	}
	if csms.Engine().Len() != 0 {
		t.Error("entry leaked")
	}
}

func TestIntermediaryWithoutRouteAnswers(t *testing.T) {
	csms := mustNode(t, "CSMS")
	lc := mustNode(t, "LC")
	link(csms, lc)
	csms.Routes().SetDefault("LC")

	resp := csms.SendRequest(context.Background(), ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("CS-404"),
		domain.WithRequestTimeout(time.Minute)))
	if r := resp.Envelope().Result(); r.Code != domain.ResultGenericError {
		t.Fatalf("result = %s", r)
	}
}

func TestTimeoutThroughSilentLink(t *testing.T) {
	csms := mustNode(t, "CSMS")
	cs := mustNode(t, "CS")
	ca, _ := link(csms, cs)
	ca.SetDropping(true)

	resp := csms.SendRequest(context.Background(), ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("CS"),
		domain.WithRequestTimeout(50*time.Millisecond)))
	if r := resp.Envelope().Result(); r.Code != domain.ResultTimeout {
		t.Fatalf("result = %s", r)
	}
}

func TestPlainLink(t *testing.T) {
	lc := mustNode(t, "LC")
	cs := mustNode(t, "CS")
	link(lc, cs, memory.Plain())

	cs.HandleFunc(ocpp.ActionHeartbeat, func(_ context.Context, req ocpp.Request) (ocpp.Response, error) {
		if src := req.Envelope().NetworkPath().Source(); src != "LC" {
			t.Errorf("plain request source = %s", src)
		}
		return ocpp.NewHeartbeatResponse(req.(*ocpp.HeartbeatRequest), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)), nil
	})

	resp := lc.SendRequest(context.Background(), ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("CS")))
	hb, ok := resp.(*ocpp.HeartbeatResponse)
	if !ok || !hb.Result().IsOK() {
		t.Fatalf("response = %v", resp)
	}
	if hb.CurrentTime.Year() != 2026 {
		t.Errorf("current time = %s", hb.CurrentTime)
	}
}

func TestBinaryLink(t *testing.T) {
	csms, _, cs := chain(t)
	var n atomic.Int32
	cs.HandleFunc(ocpp.ActionChangeAvailability, acceptAvailability(&n))

	req := ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CS"), ocpp.Operative, nil,
		domain.WithSerializationFormat(domain.FormatBinary))
	resp := csms.SendRequest(context.Background(), req)
	if !resp.Envelope().Result().IsOK() {
		t.Fatalf("result = %s", resp.Envelope().Result())
	}
}

func TestSignedExchange(t *testing.T) {
	_, csmsKey, _ := ed25519.GenerateKey(nil)
	_, csKey, _ := ed25519.GenerateKey(nil)

	csmsPolicy := signature.New(
		signature.WithSigningKey(domain.SignInfo{KeyID: "csms", PrivateKey: csmsKey}),
		signature.WithTrustedKey("cs", csKey.Public().(ed25519.PublicKey)),
		signature.WithRequireSignatures(true))
	csPolicy := signature.New(
		signature.WithSigningKey(domain.SignInfo{KeyID: "cs", PrivateKey: csKey}),
		signature.WithTrustedKey("csms", csmsKey.Public().(ed25519.PublicKey)),
		signature.WithRequireSignatures(true))

	csms2 := mustNode(t, "CSMS2", WithSignaturePolicy(csmsPolicy))
	cs2 := mustNode(t, "CS2", WithSignaturePolicy(csPolicy))
	link(csms2, cs2)

	var n atomic.Int32
	cs2.HandleFunc(ocpp.ActionChangeAvailability, acceptAvailability(&n))

	resp := csms2.SendRequest(context.Background(),
		ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CS2"), ocpp.Operative, nil))
	if !resp.Envelope().Result().IsOK() {
		t.Fatalf("signed exchange result = %s", resp.Envelope().Result())
	}
	if !resp.Envelope().HasSignatures() {
		t.Error("response carries no signatures")
	}

	// An unsigned peer is refused by the signing side.
	plain := mustNode(t, "PLAIN")
	link(plain, cs2)
	resp = plain.SendRequest(context.Background(),
		ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CS2"), ocpp.Operative, nil))
	if resp.Envelope().Result().Code != domain.ResultSignatureError {
		t.Fatalf("unsigned request result = %s", resp.Envelope().Result())
	}
}

func TestRetransmittedRequestIsAnsweredFromCache(t *testing.T) {
	csms := mustNode(t, "CSMS")
	cs := mustNode(t, "CS")
	ca, cb := link(csms, cs)

	var n atomic.Int32
	cs.HandleFunc(ocpp.ActionChangeAvailability, acceptAvailability(&n))

	raw := []byte(`[2,["CS"],["CSMS"],"dup-1","ChangeAvailability",{"operationalStatus":"Operative"}]`)
	cs.HandleInbound(context.Background(), cb, raw, domain.FormatJSON)
	cs.HandleInbound(context.Background(), cb, raw, domain.FormatJSON)
	ca.Wait()

	if n.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", n.Load())
	}
	if cb.Sent() != 2 {
		t.Fatalf("CS sent %d replies, want the cached one again", cb.Sent())
	}
}

func TestReusedRequestIDWithNewPayloadIsServed(t *testing.T) {
	csms := mustNode(t, "CSMS")
	cs := mustNode(t, "CS")
	ca, cb := link(csms, cs)

	var mu sync.Mutex
	var seen []ocpp.OperationalStatus
	cs.HandleFunc(ocpp.ActionChangeAvailability, func(_ context.Context, req ocpp.Request) (ocpp.Response, error) {
		r := req.(*ocpp.ChangeAvailabilityRequest)
		mu.Lock()
		seen = append(seen, r.OperationalStatus)
		mu.Unlock()
		return ocpp.NewChangeAvailabilityResponse(r, ocpp.ChangeAvailabilityAccepted), nil
	})

	frames := []string{
		`[2,["CS"],["CSMS"],"1","ChangeAvailability",{"operationalStatus":"Operative"}]`,
		`[2,["CS"],["CSMS"],"1","ChangeAvailability",{"operationalStatus":"Inoperative","evse":{"id":2}}]`,
		// Same request as the second one, re-signed and with members reordered.
		`[2,["CS"],["CSMS"],"1","ChangeAvailability",{"evse":{"id":2},"operationalStatus":"Inoperative","signatures":[{"keyId":"k","value":"v"}]}]`,
	}
	for _, raw := range frames {
		cs.HandleInbound(context.Background(), cb, []byte(raw), domain.FormatJSON)
	}
	ca.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != ocpp.Operative || seen[1] != ocpp.Inoperative {
		t.Fatalf("handler saw %v, want [Operative Inoperative]", seen)
	}
	if cb.Sent() != 3 {
		t.Errorf("CS sent %d replies, want 3", cb.Sent())
	}
}

func TestSameRequestIDFromTwoStations(t *testing.T) {
	csms := mustNode(t, "CSMS")
	lc := mustNode(t, "LC")
	cs1 := mustNode(t, "CS1")
	cs2 := mustNode(t, "CS2")
	link(csms, lc)
	link(lc, cs1)
	link(lc, cs2)
	cs1.Routes().SetDefault("LC")
	cs2.Routes().SetDefault("LC")

	var arrived sync.WaitGroup
	arrived.Add(2)
	csms.HandleFunc(ocpp.ActionHeartbeat, func(_ context.Context, req ocpp.Request) (ocpp.Response, error) {
		arrived.Done()
		both := make(chan struct{})
		go func() {
			arrived.Wait()
			close(both)
		}()
		select {
		case <-both:
		case <-time.After(2 * time.Second):
			return nil, errors.New("second request never arrived")
		}
		return ocpp.NewHeartbeatResponse(req.(*ocpp.HeartbeatRequest), time.Now()), nil
	})

	var wg sync.WaitGroup
	results := make(map[domain.NetworkingNodeID]domain.Result)
	var mu sync.Mutex
	for _, cs := range []*Node{cs1, cs2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := cs.SendRequest(context.Background(), ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("CSMS"),
				domain.WithRequestID("1"),
				domain.WithRequestTimeout(5*time.Second)))
			mu.Lock()
			results[cs.ID()] = resp.Envelope().Result()
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, r := range results {
		if !r.IsOK() {
			t.Errorf("%s: result = %s", id, r)
		}
	}
	if lc.Engine().Len() != 0 {
		t.Errorf("LC still tracks %d requests", lc.Engine().Len())
	}
}

func TestReplyOnAnotherLinkIsRefused(t *testing.T) {
	a := mustNode(t, "A")
	b := mustNode(t, "B")
	c := mustNode(t, "C")
	ab, _ := link(a, b)
	ac, _ := link(a, c)
	ab.SetDropping(true)

	done := make(chan ocpp.Response, 1)
	go func() {
		done <- a.SendRequest(context.Background(), ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("B"),
			domain.WithRequestID("X"),
			domain.WithRequestTimeout(5*time.Second)))
	}()
	waitFor(t, func() bool { return ab.Sent() == 1 })

	reply := []byte(`[3,["A"],["B"],"X",{"currentTime":"2026-05-01T00:00:00Z"}]`)
	a.HandleInbound(context.Background(), ac, reply, domain.FormatJSON)
	if a.Engine().Len() != 1 {
		t.Fatal("reply read from C resolved a request sent to B")
	}

	a.HandleInbound(context.Background(), ab, reply, domain.FormatJSON)
	select {
	case resp := <-done:
		if r := resp.Envelope().Result(); !r.IsOK() {
			t.Fatalf("result = %s", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply from B not delivered")
	}
}

func TestRelayedReplyFollowsReconnect(t *testing.T) {
	csms := mustNode(t, "CSMS")
	lc := mustNode(t, "LC")
	cs := mustNode(t, "CS")
	link(csms, lc)
	lcEnd, _ := link(lc, cs)
	cs.Routes().SetDefault("LC")

	entered := make(chan struct{})
	release := make(chan struct{})
	csms.HandleFunc(ocpp.ActionHeartbeat, func(_ context.Context, req ocpp.Request) (ocpp.Response, error) {
		close(entered)
		<-release
		return ocpp.NewHeartbeatResponse(req.(*ocpp.HeartbeatRequest), time.Now()), nil
	})

	done := make(chan ocpp.Response, 1)
	go func() {
		done <- cs.SendRequest(context.Background(), ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("CSMS"),
			domain.WithRequestTimeout(5*time.Second)))
	}()
	<-entered

	// CS drops its link and dials again while CSMS is still busy.
	_ = lcEnd.Close()
	link(lc, cs)
	close(release)

	select {
	case resp := <-done:
		if r := resp.Envelope().Result(); !r.IsOK() {
			t.Fatalf("result = %s", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reply lost after reconnect")
	}
}

func TestNodeRequestTimeoutWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	csms := mustNode(t, "CSMS", WithClock(mock), WithRequestTimeout(100*time.Millisecond))
	cs := mustNode(t, "CS")
	ca, _ := link(csms, cs)
	ca.SetDropping(true)

	done := make(chan ocpp.Response, 1)
	go func() {
		done <- csms.SendRequest(context.Background(), ocpp.NewHeartbeatRequest(domain.SourceRoutingTo("CS"),
			domain.WithClock(mock)))
	}()
	waitFor(t, func() bool { return ca.Sent() == 1 })

	mock.Add(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("timed out before the node timeout")
	default:
	}

	mock.Add(60 * time.Millisecond)
	select {
	case resp := <-done:
		env := resp.Envelope()
		if r := env.Result(); r.Code != domain.ResultTimeout {
			t.Fatalf("result = %s, want Timeout", r)
		}
		if env.ClockSkew() != 0 {
			t.Errorf("clock skew = %s", env.ClockSkew())
		}
		if rt := env.Runtime(); rt < 100*time.Millisecond || rt > 110*time.Millisecond {
			t.Errorf("runtime = %s", rt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("node request timeout never fired")
	}
}

func TestReplacedConnectionCloseErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	n := mustNode(t, "LC", WithLogger(logger))

	old := conn("c-1", "CS-1")
	old.closeErr = errors.New("already gone")
	n.AddConnection(old)
	n.AddConnection(conn("c-2", "CS-1"))

	out := buf.String()
	if !strings.Contains(out, "closing replaced connection") || !strings.Contains(out, "already gone") {
		t.Errorf("close error not logged:\n%s", out)
	}
	if cur, _ := n.Routes().Connection("CS-1"); cur.Info().ID != "c-2" {
		t.Errorf("current link = %s", cur.Info().ID)
	}
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMessagesAreForwarded(t *testing.T) {
	csms, _, cs := chain(t)
	got := make(chan *ocpp.DataTransferMessage, 1)
	cs.HandleMessage(ocpp.ActionDataTransfer, func(_ context.Context, msg ocpp.Message) error {
		got <- msg.(*ocpp.DataTransferMessage)
		return errors.New("ignored")
	})

	msg := ocpp.NewDataTransferMessage(domain.SourceRoutingTo("CS"), "com.example", "note", []byte(`"hi"`))
	if st := csms.SendMessage(context.Background(), msg); !st.OK() {
		t.Fatalf("SendMessage = %s", st)
	}
	select {
	case m := <-got:
		if m.VendorID != "com.example" {
			t.Errorf("vendor = %s", m.VendorID)
		}
		if got := m.NetworkPath().String(); got != "CSMS -> LC" {
			t.Errorf("message path = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestReplaceDecision(t *testing.T) {
	replacer := filterFunc(func(_ context.Context, in *ports.FilterInput) (*ports.FilterResult, error) {
		orig := in.Request.(*ocpp.ChangeAvailabilityRequest)
		repl := ocpp.NewChangeAvailabilityRequest(orig.Destination(), ocpp.Inoperative, orig.EVSE,
			domain.WithRequestID(orig.RequestID()),
			domain.WithNetworkPath(orig.NetworkPath()))
		return &ports.FilterResult{Action: ports.FilterReplace, Replacement: repl}, nil
	})
	csms, _, cs := chain(t, WithFilters(replacer))

	var seen atomic.Value
	cs.HandleFunc(ocpp.ActionChangeAvailability, func(_ context.Context, req ocpp.Request) (ocpp.Response, error) {
		r := req.(*ocpp.ChangeAvailabilityRequest)
		seen.Store(r.OperationalStatus)
		return ocpp.NewChangeAvailabilityResponse(r, ocpp.ChangeAvailabilityScheduled), nil
	})

	resp := csms.SendRequest(context.Background(),
		ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CS"), ocpp.Operative, nil))
	if !resp.Envelope().Result().IsOK() {
		t.Fatalf("result = %s", resp.Envelope().Result())
	}
	if seen.Load() != ocpp.Inoperative {
		t.Errorf("CS saw %v, want replacement", seen.Load())
	}
}

type filterFunc func(ctx context.Context, in *ports.FilterInput) (*ports.FilterResult, error)

func (filterFunc) Name() string { return "test" }

func (f filterFunc) Filter(ctx context.Context, in *ports.FilterInput) (*ports.FilterResult, error) {
	return f(ctx, in)
}
