package direct

import (
	"context"
	"testing"
	"time"

	"github.com/ocppnet/overlay/internal/adapters/storage/sqlite"
	"github.com/ocppnet/overlay/internal/core/domain"
)

func TestNewPublisher_NilStorage(t *testing.T) {
	_, err := NewPublisher(nil)
	if err == nil {
		t.Fatal("Expected error for nil storage")
	}
	if err.Error() != "message store required" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPublish(t *testing.T) {
	store, err := sqlite.NewProvider(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	publisher, err := NewPublisher(store)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	ctx := context.Background()

	event := &domain.NodeEvent{
		Kind:      domain.EventReceived,
		NodeID:    "LC",
		RequestID: "req-123",
		Action:    "ChangeAvailability",
		CreatedAt: time.Now(),
	}
	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if event.ID == "" {
		t.Error("Publish did not assign an id")
	}
	if err := publisher.Publish(ctx, nil); err != nil {
		t.Errorf("Publish(nil) = %v", err)
	}

	events, err := store.GetEventsByRequest(ctx, "req-123")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != domain.EventReceived {
		t.Errorf("stored events = %+v", events)
	}

	if err := publisher.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
