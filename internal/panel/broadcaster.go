// ABOUTME: In-memory fan-out broadcaster for job status and log updates
// ABOUTME: Publishes reconciled JobUpdates to all subscribers of a stream key

package panel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/BGirginn/rasp-pi-webUI/internal/jobs"
	"github.com/BGirginn/rasp-pi-webUI/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllJobsKey is the stream key carrying lifecycle events for every job.
	AllJobsKey = "jobs"
)

// JobKey returns the stream key for one job's merged status/log stream.
func JobKey(jobID string) string {
	return "job:" + jobID
}

// JobUpdate is one event on a job stream: a state change, new log lines, or a
// lifecycle event on the AllJobsKey stream.
type JobUpdate struct {
	Event string          `json:"event"`
	Job   *store.Job      `json:"job,omitempty"`
	Logs  []jobs.LogEntry `json:"logs,omitempty"`
}

// Update event names.
const (
	EventState     = "state"
	EventLogs      = "logs"
	EventCreated   = "job_created"
	EventCancelled = "job_cancelled"
	EventDeleted   = "job_deleted"
)

// Broadcaster provides in-memory pub/sub for job updates. Subscribers
// register for a stream key and receive updates as the reconciler produces
// them. This keeps browser streams off the agent socket.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *JobUpdate // streamKey -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *JobUpdate),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for updates on the given stream key.
// Returns a channel that receives updates and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, streamKey string) (<-chan *JobUpdate, string) {
	subID := uuid.New().String()
	ch := make(chan *JobUpdate, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[streamKey]; !ok {
		b.subscribers[streamKey] = make(map[string]chan *JobUpdate)
	}
	b.subscribers[streamKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "stream_key", streamKey, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(streamKey, subID)
	}()

	return ch, subID
}

// SubscriberCount reports how many subscribers a stream key currently has.
// The reconciler uses this to poll only watched jobs.
func (b *Broadcaster) SubscriberCount(streamKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[streamKey])
}

// Publish sends an update to all subscribers of the given stream key.
// Non-blocking: updates are dropped for subscribers whose channels are full.
// Sends happen under the read lock; channels are only ever closed under the
// write lock, so a send can never race a close.
func (b *Broadcaster) Publish(streamKey string, update *JobUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[streamKey] {
		select {
		case ch <- update:
		default:
			b.logger.Debug("dropped update for slow subscriber",
				"stream_key", streamKey, "event", update.Event)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(streamKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[streamKey]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, streamKey)
	}

	b.logger.Debug("subscriber removed", "stream_key", streamKey, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
