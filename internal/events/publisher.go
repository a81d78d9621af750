// Package events publishes session lifecycle events to Kafka so downstream
// consumers can react to sync completions without polling the API.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
)

// TopicSessionStateChanged carries one event per session status transition.
const TopicSessionStateChanged = "sync.session_state_changed"

// SessionEvent is the wire payload for a session status transition.
type SessionEvent struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	SyncType   domain.SyncType `json:"sync_type"`
	Status     string          `json:"status"`
	Progress   domain.Progress `json:"progress"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher writes session events to Kafka. Writers are created lazily per
// topic and reused.
type Publisher struct {
	brokers []string
	logger  *log.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewPublisher creates a Publisher. An empty broker list yields a disabled
// publisher whose Publish is a no-op, so callers never need nil checks.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		brokers: brokers,
		logger:  log.New(log.Writer(), "[events] ", log.LstdFlags),
		writers: make(map[string]*kafka.Writer),
	}
}

// Publish emits a state-changed event for the session. Publish failures are
// logged and swallowed; event delivery never interferes with the sync itself.
func (p *Publisher) Publish(ctx context.Context, session *domain.SyncSession) {
	if len(p.brokers) == 0 {
		return
	}

	event := SessionEvent{
		SessionID:  session.ID,
		UserID:     session.UserID,
		SyncType:   session.Type,
		Status:     string(session.Status),
		Progress:   session.Progress,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Printf("marshal event for session %s: %v", session.ID, err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(session.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(TopicSessionStateChanged)},
		},
	}
	if err := p.writerForTopic(TopicSessionStateChanged).WriteMessages(ctx, msg); err != nil {
		p.logger.Printf("publish session %s state %s: %v", session.ID, session.Status, err)
	}
}

func (p *Publisher) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	p.writers[topic] = writer
	return writer
}

// Close releases all writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}
