package service

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies job lifecycle events.
type EventType int

const (
	EventJobStarted EventType = iota + 1
	EventJobProgress
	EventJobCompleted
	EventJobFailed
	EventChunkCompleted
	EventChunkFailed
	EventPhaseTransition
)

func (e EventType) String() string {
	switch e {
	case EventJobStarted:
		return "JOB_STARTED"
	case EventJobProgress:
		return "JOB_PROGRESS"
	case EventJobCompleted:
		return "JOB_COMPLETED"
	case EventJobFailed:
		return "JOB_FAILED"
	case EventChunkCompleted:
		return "CHUNK_COMPLETED"
	case EventChunkFailed:
		return "CHUNK_FAILED"
	case EventPhaseTransition:
		return "PHASE_TRANSITION"
	default:
		return "UNKNOWN"
	}
}

// JobEvent is one observable step in a job's lifecycle.
type JobEvent struct {
	JobID           string
	ElectionID      string
	EventType       EventType
	Timestamp       time.Time
	ProgressPercent float64
	Message         string
	Metadata        map[string]string
}

// EventSubscription is an active event subscription.
type EventSubscription struct {
	ID          string
	JobIDFilter string
	Channel     chan *JobEvent
}

// EventPublisher fans job events out to subscribers. Slow consumers are
// skipped rather than allowed to block the completion path.
type EventPublisher struct {
	subscriptions map[string]*EventSubscription
	mu            sync.RWMutex
	bufferSize    int
}

// NewEventPublisher creates a publisher whose subscriber channels buffer
// bufferSize events.
func NewEventPublisher(bufferSize int) *EventPublisher {
	return &EventPublisher{
		subscriptions: make(map[string]*EventSubscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe creates a subscription. An empty jobIDFilter receives every event.
func (p *EventPublisher) Subscribe(jobIDFilter string) *EventSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &EventSubscription{
		ID:          uuid.NewString(),
		JobIDFilter: jobIDFilter,
		Channel:     make(chan *JobEvent, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (p *EventPublisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, exists := p.subscriptions[subscriptionID]; exists {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish broadcasts an event to all matching subscribers.
func (p *EventPublisher) Publish(event *JobEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscriptions {
		if sub.JobIDFilter != "" && sub.JobIDFilter != event.JobID {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
			// Channel full, drop for this subscriber.
		}
	}
}

// PublishJobStarted announces a newly registered job.
func (p *EventPublisher) PublishJobStarted(jobID, electionID, operationType string, totalChunks int) {
	p.Publish(&JobEvent{
		JobID:      jobID,
		ElectionID: electionID,
		EventType:  EventJobStarted,
		Timestamp:  time.Now(),
		Message:    "Job started",
		Metadata: map[string]string{
			"operation_type": operationType,
			"total_chunks":   strconv.Itoa(totalChunks),
		},
	})
}

// PublishChunkCompleted announces one settled chunk with updated progress.
func (p *EventPublisher) PublishChunkCompleted(jobID, electionID string, chunkNumber, settled, total int) {
	percent := 0.0
	if total > 0 {
		percent = float64(settled) / float64(total) * 100
	}
	p.Publish(&JobEvent{
		JobID:           jobID,
		ElectionID:      electionID,
		EventType:       EventChunkCompleted,
		Timestamp:       time.Now(),
		ProgressPercent: percent,
		Metadata: map[string]string{
			"chunk_number": strconv.Itoa(chunkNumber),
		},
	})
}

// PublishChunkFailed announces a chunk that exhausted its retries.
func (p *EventPublisher) PublishChunkFailed(jobID, electionID string, chunkNumber int, errorMessage string) {
	p.Publish(&JobEvent{
		JobID:      jobID,
		ElectionID: electionID,
		EventType:  EventChunkFailed,
		Timestamp:  time.Now(),
		Message:    errorMessage,
		Metadata: map[string]string{
			"chunk_number": strconv.Itoa(chunkNumber),
		},
	})
}

// PublishJobCompleted announces a job that settled with no failed chunks.
func (p *EventPublisher) PublishJobCompleted(jobID, electionID string, elapsed time.Duration) {
	p.Publish(&JobEvent{
		JobID:           jobID,
		ElectionID:      electionID,
		EventType:       EventJobCompleted,
		Timestamp:       time.Now(),
		ProgressPercent: 100,
		Message:         "Job completed",
		Metadata: map[string]string{
			"elapsed_seconds": strconv.FormatInt(int64(elapsed.Seconds()), 10),
		},
	})
}

// PublishJobFailed announces a job that settled with failed chunks.
func (p *EventPublisher) PublishJobFailed(jobID, electionID, errorMessage string) {
	p.Publish(&JobEvent{
		JobID:      jobID,
		ElectionID: electionID,
		EventType:  EventJobFailed,
		Timestamp:  time.Now(),
		Message:    errorMessage,
	})
}

// PublishPhaseTransition announces a partial to compensated handoff.
func (p *EventPublisher) PublishPhaseTransition(jobID, electionID, fromPhase, toPhase string) {
	p.Publish(&JobEvent{
		JobID:      jobID,
		ElectionID: electionID,
		EventType:  EventPhaseTransition,
		Timestamp:  time.Now(),
		Message:    "Phase transition",
		Metadata: map[string]string{
			"from": fromPhase,
			"to":   toPhase,
		},
	})
}

// SubscriptionCount returns the number of active subscriptions.
func (p *EventPublisher) SubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}
