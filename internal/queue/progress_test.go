package queue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/export"
)

func TestProgressRoundTripsThroughEnvelope(t *testing.T) {
	sent := export.ProgressMessage{
		FileID:    "file-1",
		EventType: export.ProgressEventUpdate,
		Percent:   40,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	payload, err := encodeProgress(sent)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	received, err := decodeProgress(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if received.FileID != sent.FileID || received.EventType != sent.EventType || received.Percent != sent.Percent {
		t.Fatalf("message = %+v, want %+v", received, sent)
	}
	if !received.Timestamp.Equal(sent.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", received.Timestamp, sent.Timestamp)
	}
}

func TestProgressRelayForwardsEventsToWatchers(t *testing.T) {
	dispatcher := export.NewProgressDispatcher()
	relay := NewProgressRelay(nil, dispatcher, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, unsubscribe := dispatcher.Subscribe(ctx, "file-1")
	defer unsubscribe()

	sent := export.ProgressMessage{
		FileID:    "file-1",
		EventType: export.ProgressEventFinished,
		Percent:   100,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	payload, err := encodeProgress(sent)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	relay.deliver(payload)

	select {
	case received := <-stream:
		if received.FileID != "file-1" || received.EventType != export.ProgressEventFinished || received.Percent != 100 {
			t.Fatalf("message = %+v", received)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message delivered")
	}
}

func TestProgressRelayDropsMalformedPayloads(t *testing.T) {
	dispatcher := export.NewProgressDispatcher()
	relay := NewProgressRelay(nil, dispatcher, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, unsubscribe := dispatcher.Subscribe(ctx, "file-1")
	defer unsubscribe()

	relay.deliver([]byte("{not json"))

	select {
	case received := <-stream:
		t.Fatalf("unexpected message %+v", received)
	default:
	}
}
