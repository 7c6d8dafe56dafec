package domain

import (
	"context"
	"testing"
	"time"
)

func fixedRequest(opts ...RequestOption) RequestEnvelope {
	base := []RequestOption{
		WithRequestID("req-1"),
		WithRequestTimestamp(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		WithEventTrackingID("evt-1"),
		WithNetworkPath(NewNetworkPath("A")),
	}
	return NewRequestEnvelope(SourceRoutingTo("B"), "ChangeAvailability", append(base, opts...)...)
}

func TestNewRequestEnvelopeDefaults(t *testing.T) {
	e := NewRequestEnvelope(SourceRoutingTo("B"), "Heartbeat")
	if e.RequestID().IsEmpty() || e.EventTrackingID().IsEmpty() {
		t.Fatal("expected generated ids")
	}
	if e.RequestTimeout() != 0 {
		t.Errorf("timeout = %s, want 0 so the sending node decides", e.RequestTimeout())
	}
	if e.SerializationFormat() != DefaultSerializationFormat {
		t.Errorf("format = %s", e.SerializationFormat())
	}
	if !e.NetworkPath().IsEmpty() {
		t.Errorf("path = %s", e.NetworkPath())
	}
	if e.RequestTimestamp().IsZero() {
		t.Error("timestamp not set")
	}
	if e.Context() == nil {
		t.Error("context must never be nil")
	}
}

func TestRequestEnvelopeEqualityIgnoresSignatures(t *testing.T) {
	a := fixedRequest(WithSignatures(Signature{KeyID: "k1", Value: "aaa"}))
	b := fixedRequest(WithSignatures(Signature{KeyID: "k2", Value: "bbb"}, Signature{KeyID: "k3", Value: "ccc"}))

	if !a.Equal(&b) {
		t.Fatal("envelopes differing only in signatures must be equal")
	}
	if a.Hash() != b.Hash() {
		t.Error("hash must not depend on signatures")
	}
}

func TestRequestEnvelopeEqualityIdentityFields(t *testing.T) {
	base := fixedRequest()
	tests := []struct {
		name  string
		other RequestEnvelope
	}{
		{name: "request id", other: fixedRequest(WithRequestID("req-2"))},
		{name: "path", other: fixedRequest(WithNetworkPath(NewNetworkPath("A", "X")))},
		{name: "timeout", other: fixedRequest(WithRequestTimeout(5 * time.Second))},
		{name: "custom data", other: fixedRequest(WithCustomData(CustomData{"vendorId": "acme"}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if base.Equal(&tt.other) {
				t.Errorf("expected difference in %s", tt.name)
			}
		})
	}

	nilData := fixedRequest()
	emptyData := fixedRequest(WithCustomData(CustomData{}))
	if !nilData.Equal(&emptyData) {
		t.Error("nil and empty custom data should be equal")
	}
}

func TestRequestEnvelopeHashSeparatesFields(t *testing.T) {
	// the same value moved from one field to another must change the hash
	a := NewRequestEnvelope(SourceRoutingTo("X"), "Y", WithRequestID("Z"), WithRequestTimestamp(time.Unix(0, 0)), WithEventTrackingID("e"))
	b := NewRequestEnvelope(SourceRoutingTo("Y"), "X", WithRequestID("Z"), WithRequestTimestamp(time.Unix(0, 0)), WithEventTrackingID("e"))
	if a.Hash() == b.Hash() {
		t.Fatal("swapping destination and action collided")
	}
}

func TestRequestEnvelopeContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := fixedRequest(WithContext(ctx))
	cancel()
	if e.Context().Err() == nil {
		t.Fatal("expected cancelled context")
	}
}

func TestResponseRuntimeNeverNegative(t *testing.T) {
	req := fixedRequest()
	early := req.RequestTimestamp().Add(-3 * time.Second)

	resp := NewResponseEnvelope(&req, OKResult(), WithResponseTimestamp(early))
	if resp.Runtime() < 0 {
		t.Fatalf("negative runtime %s", resp.Runtime())
	}
	if resp.ClockSkew() != 3*time.Second {
		t.Errorf("clock skew = %s", resp.ClockSkew())
	}
	if !resp.ResponseTimestamp().Equal(req.RequestTimestamp()) {
		t.Errorf("timestamp not clamped: %s", resp.ResponseTimestamp())
	}

	late := NewResponseEnvelope(&req, OKResult(), WithResponseTimestamp(req.RequestTimestamp().Add(250*time.Millisecond)))
	if late.Runtime() != 250*time.Millisecond || late.ClockSkew() != 0 {
		t.Errorf("runtime = %s skew = %s", late.Runtime(), late.ClockSkew())
	}
}

func TestResponseEnvelopeDefaultsFromRequest(t *testing.T) {
	req := fixedRequest(WithSerializationFormat(FormatBinary))
	resp := NewResponseEnvelope(&req, FilteredResult(""))

	if resp.Destination().Last() != "A" {
		t.Errorf("destination = %s", resp.Destination())
	}
	if resp.EventTrackingID() != req.EventTrackingID() {
		t.Errorf("event tracking id = %s", resp.EventTrackingID())
	}
	if resp.SerializationFormat() != FormatBinary {
		t.Errorf("format = %s", resp.SerializationFormat())
	}
	if resp.RequestID() != "req-1" || resp.Action() != "ChangeAvailability" {
		t.Errorf("request link broken: %s %s", resp.RequestID(), resp.Action())
	}
}

func TestResponseEnvelopeEqualityIgnoresSignatures(t *testing.T) {
	req := fixedRequest()
	ts := req.RequestTimestamp().Add(time.Second)
	a := NewResponseEnvelope(&req, OKResult(), WithResponseTimestamp(ts), WithResponseSignatures(Signature{KeyID: "k1"}))
	b := NewResponseEnvelope(&req, OKResult(), WithResponseTimestamp(ts))
	if !a.Equal(&b) {
		t.Fatal("responses differing only in signatures must be equal")
	}
	c := NewResponseEnvelope(&req, FilteredResult("no"), WithResponseTimestamp(ts))
	if a.Equal(&c) {
		t.Error("different results must not be equal")
	}
}

func TestMessageEnvelope(t *testing.T) {
	m := NewMessageEnvelope(SourceRoutingTo("CS1"), "NotifyPeriodicEventStream", WithRequestID("m-1"))
	if m.MessageID() != "m-1" || m.Action() != "NotifyPeriodicEventStream" {
		t.Fatalf("unexpected message %s", m.String())
	}
	other := NewMessageEnvelope(SourceRoutingTo("CS1"), "NotifyPeriodicEventStream",
		WithRequestID("m-1"), WithRequestTimestamp(m.Timestamp()), WithEventTrackingID(m.EventTrackingID()),
		WithSignatures(Signature{KeyID: "k"}))
	if !m.Equal(&other) {
		t.Error("messages differing only in signatures must be equal")
	}
}

func TestParseSerializationFormat(t *testing.T) {
	for in, want := range map[string]SerializationFormat{"": FormatJSON, "JSON": FormatJSON, "binary": FormatBinary, "cbor": FormatBinary} {
		got, err := ParseSerializationFormat(in)
		if err != nil || got != want {
			t.Errorf("%q: got %s (%v)", in, got, err)
		}
	}
	if _, err := ParseSerializationFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestEnvelopesFollowInjectedClock(t *testing.T) {
	at := fixedClock(time.Date(1970, 1, 1, 0, 0, 5, 0, time.UTC))
	req := NewRequestEnvelope(SourceRoutingTo("B"), "Heartbeat", WithClock(at))
	if !req.RequestTimestamp().Equal(time.Time(at)) {
		t.Fatalf("request timestamp = %s", req.RequestTimestamp())
	}
	resp := NewResponseEnvelope(&req, OKResult())
	if !resp.ResponseTimestamp().Equal(time.Time(at)) {
		t.Errorf("response timestamp = %s", resp.ResponseTimestamp())
	}
	if resp.ClockSkew() != 0 || resp.Runtime() != 0 {
		t.Errorf("skew = %s runtime = %s", resp.ClockSkew(), resp.Runtime())
	}

	later := fixedClock(time.Time(at).Add(time.Second))
	resp = NewResponseEnvelope(&req, OKResult(), WithResponseClock(later))
	if resp.Runtime() != time.Second {
		t.Errorf("runtime = %s", resp.Runtime())
	}
}
