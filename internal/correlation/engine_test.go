package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/ocpp"
)

var station = domain.SourceRoutingTo("CS-1")

func newRequest(id string, timeout time.Duration) *ocpp.ChangeAvailabilityRequest {
	return ocpp.NewChangeAvailabilityRequest(station, ocpp.Inoperative, nil,
		domain.WithRequestID(domain.RequestID(id)),
		domain.WithRequestTimeout(timeout))
}

// newEngine runs on the CSMS, the origin of every unrouted test request.
func newEngine(opts ...Option) *Engine {
	return New(append([]Option{WithNodeID("CSMS")}, opts...)...)
}

func resultFrame(t *testing.T, id string, status ocpp.ChangeAvailabilityStatus) (*ocpp.Frame, []byte) {
	t.Helper()
	return replyTo(t, "CSMS", id, status)
}

// replyTo builds the CALLRESULT CS-1 sends back to origin.
func replyTo(t *testing.T, origin, id string, status ocpp.ChangeAvailabilityStatus) (*ocpp.Frame, []byte) {
	t.Helper()
	raw := []byte(`[3,["` + origin + `"],["CS-1"],"` + id + `",{"status":"` + string(status) + `"}]`)
	f, err := ocpp.ParseFrame(raw, domain.FormatJSON)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	return f, raw
}

func sendOK(context.Context, ocpp.Request) domain.SendRequestState { return domain.Sent() }

func TestSendAndWaitOutOfOrderResponses(t *testing.T) {
	e := newEngine()
	ids := []string{"a", "b", "c"}

	var sent sync.WaitGroup
	sent.Add(len(ids))
	send := func(context.Context, ocpp.Request) domain.SendRequestState {
		sent.Done()
		return domain.Sent()
	}

	statuses := map[string]ocpp.ChangeAvailabilityStatus{
		"a": ocpp.ChangeAvailabilityAccepted,
		"b": ocpp.ChangeAvailabilityScheduled,
		"c": ocpp.ChangeAvailabilityRejected,
	}

	results := make(map[string]ocpp.Response)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			resp := e.SendAndWait(context.Background(), newRequest(id, time.Minute), ocpp.ChangeAvailability, send)
			mu.Lock()
			results[id] = resp
			mu.Unlock()
		}(id)
	}
	sent.Wait()

	for _, id := range []string{"c", "a", "b"} {
		f, raw := resultFrame(t, id, statuses[id])
		if err := e.Resolve(f, raw, ""); err != nil {
			t.Fatalf("Resolve(%s): %v", id, err)
		}
	}
	wg.Wait()

	for _, id := range ids {
		resp, ok := results[id].(*ocpp.ChangeAvailabilityResponse)
		if !ok {
			t.Fatalf("%s: unexpected response %T", id, results[id])
		}
		if resp.RequestID() != domain.RequestID(id) {
			t.Errorf("%s: response bound to %s", id, resp.RequestID())
		}
		if resp.Status != statuses[id] {
			t.Errorf("%s: status = %s, want %s", id, resp.Status, statuses[id])
		}
		if !resp.Result().IsOK() {
			t.Errorf("%s: result = %s", id, resp.Result())
		}
	}
	if e.Len() != 0 {
		t.Errorf("Len = %d after resolution", e.Len())
	}
}

func TestSendAndWaitTimeoutWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	e := newEngine(WithClock(mock))

	sent := make(chan struct{})
	send := func(context.Context, ocpp.Request) domain.SendRequestState {
		close(sent)
		return domain.Sent()
	}

	done := make(chan ocpp.Response, 1)
	go func() {
		req := ocpp.NewChangeAvailabilityRequest(station, ocpp.Inoperative, nil,
			domain.WithRequestID("t1"),
			domain.WithRequestTimeout(5*time.Second),
			domain.WithClock(mock))
		done <- e.SendAndWait(context.Background(), req, ocpp.ChangeAvailability, send)
	}()
	<-sent

	mock.Add(4 * time.Second)
	select {
	case <-done:
		t.Fatal("resolved before the timeout")
	default:
	}

	mock.Add(2 * time.Second)
	var resp ocpp.Response
	select {
	case resp = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	ca := resp.(*ocpp.ChangeAvailabilityResponse)
	if ca.Result().Code != domain.ResultTimeout {
		t.Fatalf("result = %s, want Timeout", ca.Result())
	}
	if ca.Status != ocpp.ChangeAvailabilityRejected {
		t.Errorf("status = %s, want safe default", ca.Status)
	}

	if ca.ClockSkew() != 0 {
		t.Errorf("clock skew = %s", ca.ClockSkew())
	}

	late, raw := resultFrame(t, "t1", ocpp.ChangeAvailabilityAccepted)
	if err := e.Resolve(late, raw, ""); !errors.Is(err, ErrUnmatched) {
		t.Errorf("late response err = %v, want ErrUnmatched", err)
	}
}

func TestSendAndWaitSendFailure(t *testing.T) {
	e := newEngine()
	send := func(context.Context, ocpp.Request) domain.SendRequestState {
		return domain.NoConnection(errors.New("no route to CS-1"))
	}
	resp := e.SendAndWait(context.Background(), newRequest("s1", time.Minute), ocpp.ChangeAvailability, send)
	if resp.Envelope().Result().Code != domain.ResultException {
		t.Fatalf("result = %s", resp.Envelope().Result())
	}
	if e.Len() != 0 {
		t.Errorf("entry leaked")
	}
}

func TestSendAndWaitRemoteError(t *testing.T) {
	e := newEngine()
	send := func(_ context.Context, req ocpp.Request) domain.SendRequestState {
		go e.ResolveError(Key{Origin: "CSMS", RequestID: req.Envelope().RequestID()}, domain.ErrorFiltered, "denied by policy", nil)
		return domain.Sent()
	}
	resp := e.SendAndWait(context.Background(), newRequest("r1", time.Minute), ocpp.ChangeAvailability, send)
	r := resp.Envelope().Result()
	if r.Code != domain.ResultFiltered {
		t.Fatalf("result = %s, want Filtered", r)
	}
	if r.Description != "denied by policy" {
		t.Errorf("description = %q", r.Description)
	}
}

func TestSendAndWaitContextCancel(t *testing.T) {
	e := newEngine()
	ctx, cancel := context.WithCancel(context.Background())
	send := func(context.Context, ocpp.Request) domain.SendRequestState {
		cancel()
		return domain.Sent()
	}
	resp := e.SendAndWait(ctx, newRequest("c1", time.Minute), ocpp.ChangeAvailability, send)
	if resp.Envelope().Result().Code != domain.ResultCancelled {
		t.Fatalf("result = %s, want Cancelled", resp.Envelope().Result())
	}
	if e.Len() != 0 {
		t.Errorf("entry leaked")
	}
}

func TestCancel(t *testing.T) {
	e := newEngine()
	send := func(_ context.Context, req ocpp.Request) domain.SendRequestState {
		go e.Cancel(Key{Origin: "CSMS", RequestID: req.Envelope().RequestID()}, errors.New("shutting down"))
		return domain.Sent()
	}
	resp := e.SendAndWait(context.Background(), newRequest("x1", time.Minute), ocpp.ChangeAvailability, send)
	if !resp.Envelope().Result().IsException() {
		t.Fatalf("result = %s", resp.Envelope().Result())
	}
}

func TestDuplicateRequestID(t *testing.T) {
	e := newEngine()
	release := make(chan struct{})
	started := make(chan struct{})
	go e.SendAndWait(context.Background(), newRequest("dup", time.Minute), ocpp.ChangeAvailability,
		func(context.Context, ocpp.Request) domain.SendRequestState {
			close(started)
			<-release
			return domain.Sent()
		})
	<-started
	defer close(release)

	resp := e.SendAndWait(context.Background(), newRequest("dup", time.Minute), ocpp.ChangeAvailability, sendOK)
	if resp.Envelope().Result().Code != domain.ResultException {
		t.Fatalf("result = %s, want Exception", resp.Envelope().Result())
	}
}

func TestMalformedResponsePayload(t *testing.T) {
	e := newEngine()
	send := func(_ context.Context, req ocpp.Request) domain.SendRequestState {
		raw := []byte(`[3,["CSMS"],["CS-1"],"m1",{"status":"Maybe"}]`)
		f, err := ocpp.ParseFrame(raw, domain.FormatJSON)
		if err != nil {
			return domain.SendFailure(err)
		}
		go func() { _ = e.Resolve(f, raw, "") }()
		return domain.Sent()
	}
	resp := e.SendAndWait(context.Background(), newRequest("m1", time.Minute), ocpp.ChangeAvailability, send)
	if resp.Envelope().Result().Code != domain.ResultFormationViolation {
		t.Fatalf("result = %s, want FormationViolation", resp.Envelope().Result())
	}
}

func TestRelay(t *testing.T) {
	e := newEngine()
	got := make(chan *ocpp.Frame, 1)
	key, err := e.Relay(newRequest("r-1", time.Minute), func(f *ocpp.Frame, _ []byte) { got <- f }, nil)
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if key != (Key{Origin: "CSMS", RequestID: "r-1"}) {
		t.Errorf("key = %s", key)
	}
	if _, err := e.Relay(newRequest("r-1", time.Minute), func(*ocpp.Frame, []byte) {}, nil); !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("duplicate relay err = %v", err)
	}

	pending := e.Pending()
	if len(pending) != 1 || !pending[0].Relay || pending[0].Action != ocpp.ActionChangeAvailability {
		t.Fatalf("Pending = %+v", pending)
	}

	f, raw := resultFrame(t, "r-1", ocpp.ChangeAvailabilityAccepted)
	if err := e.Resolve(f, raw, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if (<-got).RequestID != "r-1" {
		t.Error("relayed wrong frame")
	}
	if err := e.Resolve(f, raw, ""); !errors.Is(err, ErrUnmatched) {
		t.Errorf("second Resolve err = %v", err)
	}
}

func TestRelayTimeout(t *testing.T) {
	mock := clock.NewMock()
	e := newEngine(WithClock(mock))
	timedOut := make(chan struct{})
	_, err := e.Relay(newRequest("rt", time.Second), func(*ocpp.Frame, []byte) {
		t.Error("relay callback after timeout")
	}, func() { close(timedOut) })
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	mock.Add(2 * time.Second)
	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("relay timeout never fired")
	}
	f, raw := resultFrame(t, "rt", ocpp.ChangeAvailabilityAccepted)
	if err := e.Resolve(f, raw, ""); !errors.Is(err, ErrUnmatched) {
		t.Errorf("late relay response err = %v", err)
	}
}

func TestClose(t *testing.T) {
	e := newEngine()
	done := make(chan ocpp.Response, 1)
	started := make(chan struct{})
	go func() {
		done <- e.SendAndWait(context.Background(), newRequest("cl", time.Minute), ocpp.ChangeAvailability,
			func(context.Context, ocpp.Request) domain.SendRequestState {
				close(started)
				return domain.Sent()
			})
	}()
	<-started
	e.Close()
	if r := (<-done).Envelope().Result(); r.Code != domain.ResultCancelled {
		t.Fatalf("result = %s, want Cancelled", r)
	}
	resp := e.SendAndWait(context.Background(), newRequest("after", time.Minute), ocpp.ChangeAvailability, sendOK)
	if resp.Envelope().Result().IsOK() {
		t.Fatal("closed engine accepted a request")
	}
}

func TestRelaySameIDFromDifferentOrigins(t *testing.T) {
	e := newEngine()
	got := map[string]chan *ocpp.Frame{
		"CS-A": make(chan *ocpp.Frame, 1),
		"CS-B": make(chan *ocpp.Frame, 1),
	}
	for origin, ch := range got {
		req := ocpp.NewChangeAvailabilityRequest(domain.SourceRoutingTo("CSMS"), ocpp.Operative, nil,
			domain.WithRequestID("1"),
			domain.WithNetworkPath(domain.NewNetworkPath(domain.NetworkingNodeID(origin))))
		if _, err := e.Relay(req, func(f *ocpp.Frame, _ []byte) { ch <- f }, nil, Via("CSMS")); err != nil {
			t.Fatalf("Relay from %s: %v", origin, err)
		}
	}
	if e.Len() != 2 {
		t.Fatalf("Len = %d, want 2", e.Len())
	}

	for _, origin := range []string{"CS-B", "CS-A"} {
		raw := []byte(`[3,["` + origin + `"],["CSMS"],"1",{"status":"Accepted"}]`)
		f, err := ocpp.ParseFrame(raw, domain.FormatJSON)
		if err != nil {
			t.Fatalf("ParseFrame: %v", err)
		}
		if err := e.Resolve(f, raw, "CSMS"); err != nil {
			t.Fatalf("Resolve for %s: %v", origin, err)
		}
		select {
		case f := <-got[origin]:
			if f.Destination.Last() != domain.NetworkingNodeID(origin) {
				t.Errorf("%s got reply for %s", origin, f.Destination.Last())
			}
		default:
			t.Fatalf("reply for %s not relayed", origin)
		}
	}
}

func TestReplyFromWrongPeerIsRefused(t *testing.T) {
	e := newEngine()
	sent := make(chan struct{})
	send := func(context.Context, ocpp.Request) domain.SendRequestState {
		close(sent)
		return domain.Sent()
	}
	done := make(chan ocpp.Response, 1)
	go func() {
		done <- e.SendAndWait(context.Background(), newRequest("X", time.Minute), ocpp.ChangeAvailability, send, Via("LC-1"))
	}()
	<-sent

	f, raw := resultFrame(t, "X", ocpp.ChangeAvailabilityAccepted)
	if err := e.Resolve(f, raw, "LC-2"); !errors.Is(err, ErrWrongPeer) {
		t.Fatalf("reply from LC-2 err = %v, want ErrWrongPeer", err)
	}
	if e.Len() != 1 {
		t.Fatalf("refused reply resolved the request")
	}
	if p := e.Pending(); p[0].Peer != "LC-1" || p[0].Origin != "CSMS" {
		t.Errorf("Pending = %+v", p)
	}

	if err := e.Resolve(f, raw, "LC-1"); err != nil {
		t.Fatalf("reply from LC-1: %v", err)
	}
	if r := (<-done).Envelope().Result(); !r.IsOK() {
		t.Fatalf("result = %s", r)
	}
}

func TestPlainReplyMatchesByPeer(t *testing.T) {
	e := newEngine()
	got := make(chan *ocpp.Frame, 1)
	req := ocpp.NewChangeAvailabilityRequest(station, ocpp.Operative, nil,
		domain.WithRequestID("p1"),
		domain.WithNetworkPath(domain.NewNetworkPath("CS-9")))
	if _, err := e.Relay(req, func(f *ocpp.Frame, _ []byte) { got <- f }, nil, Via("CS-1")); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	raw := []byte(`[3,"p1",{"status":"Accepted"}]`)
	f, err := ocpp.ParseFrame(raw, domain.FormatJSON)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	// A plain reply is addressed to the node that read it.
	f.Destination = domain.SourceRoutingTo("CSMS")

	if err := e.Resolve(f, raw, "CS-2"); !errors.Is(err, ErrUnmatched) {
		t.Fatalf("plain reply from CS-2 err = %v", err)
	}
	if err := e.Resolve(f, raw, "CS-1"); err != nil {
		t.Fatalf("plain reply from CS-1: %v", err)
	}
	<-got
}

func TestDefaultTimeoutAppliesWithoutRequestTimeout(t *testing.T) {
	mock := clock.NewMock()
	e := newEngine(WithClock(mock), WithDefaultTimeout(100*time.Millisecond))

	sent := make(chan struct{})
	send := func(context.Context, ocpp.Request) domain.SendRequestState {
		close(sent)
		return domain.Sent()
	}
	done := make(chan ocpp.Response, 1)
	go func() {
		done <- e.SendAndWait(context.Background(), newRequest("d1", 0), ocpp.ChangeAvailability, send)
	}()
	<-sent

	if d := e.Pending()[0].Deadline.Sub(mock.Now()); d != 100*time.Millisecond {
		t.Fatalf("deadline in %s, want 100ms", d)
	}
	mock.Add(150 * time.Millisecond)
	select {
	case resp := <-done:
		if r := resp.Envelope().Result(); r.Code != domain.ResultTimeout {
			t.Fatalf("result = %s, want Timeout", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("default timeout never fired")
	}
}
