package export

import (
	"context"
	"sync"
	"time"
)

const (
	ProgressEventUpdate   = "export-progress"
	ProgressEventFinished = "export-finished"
	ProgressEventFailed   = "export-failed"
)

// ProgressMessage is one export status update fanned out to watchers of a
// file.
type ProgressMessage struct {
	FileID    string
	EventType string
	Percent   int
	Timestamp time.Time
}

// ProgressDispatcher fans export progress out to subscribers keyed by file
// id. Delivery is non-blocking; a slow watcher drops updates instead of
// stalling the worker.
type ProgressDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*progressSubscriber
	nextID      int64
	bufferSize  int
}

type progressSubscriber struct {
	id     int64
	stream chan ProgressMessage
}

func NewProgressDispatcher() *ProgressDispatcher {
	return &ProgressDispatcher{
		subscribers: make(map[string]map[int64]*progressSubscriber),
		bufferSize:  16,
	}
}

func (d *ProgressDispatcher) Subscribe(ctx context.Context, fileID string) (<-chan ProgressMessage, func()) {
	if fileID == "" {
		ch := make(chan ProgressMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &progressSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ProgressMessage, d.bufferSize),
	}
	d.registerSubscriber(fileID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(fileID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *ProgressDispatcher) Publish(message ProgressMessage) {
	if message.FileID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.FileID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*progressSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *ProgressDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ProgressDispatcher) registerSubscriber(fileID string, subscriber *progressSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[fileID]; !ok {
		d.subscribers[fileID] = make(map[int64]*progressSubscriber)
	}
	d.subscribers[fileID][subscriber.id] = subscriber
}

func (d *ProgressDispatcher) unregisterSubscriber(fileID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[fileID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, fileID)
		}
	}
	d.mu.Unlock()
}
