package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/export"
)

// progressChannel carries export progress events from the worker process
// to the API process, which fans them out to connected watchers.
const progressChannel = "overmark:export:progress"

type progressEnvelope struct {
	FileID    string    `json:"file_id"`
	EventType string    `json:"event_type"`
	Percent   int       `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressPublisher pushes export progress events onto the shared Redis
// channel. Delivery is best effort; a dropped event never fails an export.
type ProgressPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewProgressPublisher builds the worker-side publisher.
func NewProgressPublisher(client *redis.Client, logger *zap.Logger) *ProgressPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressPublisher{client: client, logger: logger}
}

// Publish sends one event.
func (p *ProgressPublisher) Publish(message export.ProgressMessage) {
	encoded, err := encodeProgress(message)
	if err != nil {
		p.logger.Warn("progress encode failed", zap.String("file_id", message.FileID), zap.Error(err))
		return
	}
	if err := p.client.Publish(context.Background(), progressChannel, encoded).Err(); err != nil {
		p.logger.Warn("progress publish failed", zap.String("file_id", message.FileID), zap.Error(err))
	}
}

// ProgressRelay subscribes to the shared Redis channel on the API side and
// forwards events into the in-process dispatcher, where event streams pick
// them up.
type ProgressRelay struct {
	client     *redis.Client
	dispatcher *export.ProgressDispatcher
	logger     *zap.Logger
}

// NewProgressRelay builds the API-side relay.
func NewProgressRelay(client *redis.Client, dispatcher *export.ProgressDispatcher, logger *zap.Logger) *ProgressRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressRelay{client: client, dispatcher: dispatcher, logger: logger}
}

// Run consumes the channel until the context ends.
func (r *ProgressRelay) Run(ctx context.Context) {
	subscription := r.client.Subscribe(ctx, progressChannel)
	defer subscription.Close()

	incoming := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case received, ok := <-incoming:
			if !ok {
				return
			}
			r.deliver([]byte(received.Payload))
		}
	}
}

func (r *ProgressRelay) deliver(payload []byte) {
	message, err := decodeProgress(payload)
	if err != nil {
		r.logger.Warn("progress decode failed", zap.Error(err))
		return
	}
	r.dispatcher.Publish(message)
}

func encodeProgress(message export.ProgressMessage) ([]byte, error) {
	return json.Marshal(progressEnvelope{
		FileID:    message.FileID,
		EventType: message.EventType,
		Percent:   message.Percent,
		Timestamp: message.Timestamp,
	})
}

func decodeProgress(payload []byte) (export.ProgressMessage, error) {
	var envelope progressEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return export.ProgressMessage{}, err
	}
	return export.ProgressMessage{
		FileID:    envelope.FileID,
		EventType: envelope.EventType,
		Percent:   envelope.Percent,
		Timestamp: envelope.Timestamp,
	}, nil
}
