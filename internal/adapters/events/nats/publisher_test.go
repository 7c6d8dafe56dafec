package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ocppnet/overlay/internal/core/domain"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func TestPublish(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, "ocpp.events.", nil)

	ev := &domain.NodeEvent{Kind: domain.EventFiltered, NodeID: "LC.1", RequestID: "r1", Decision: "REJECT"}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "ocpp.events.LC_1.filtered" {
		t.Fatalf("subjects = %v", conn.subjects)
	}
	var decoded domain.NodeEvent
	if err := json.Unmarshal(conn.payloads[0], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID == "" || decoded.ID != ev.ID || decoded.Decision != "REJECT" {
		t.Errorf("decoded = %+v", decoded)
	}

	if err := p.Close(); err != nil || !conn.drained {
		t.Errorf("Close = %v drained=%v", err, conn.drained)
	}
}

func TestPublishErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := New(conn, "", nil)

	if err := p.Publish(context.Background(), &domain.NodeEvent{Kind: domain.EventSent}); err == nil {
		t.Error("expected publish error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, &domain.NodeEvent{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled publish = %v", err)
	}
	if err := p.Publish(context.Background(), nil); err != nil {
		t.Errorf("nil event = %v", err)
	}
}

func TestSubjectDefaults(t *testing.T) {
	p := New(&fakeConn{}, "", nil)
	if got := p.Subject(&domain.NodeEvent{}); got != "ocpp.events._._" {
		t.Errorf("Subject = %q", got)
	}
}
