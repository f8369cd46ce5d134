// Package events publishes subtask send outcomes to RabbitMQ. The delivery
// and webhook pipeline downstream consumes them to correlate provider
// callbacks with subtasks. Publishing is best effort: dispatch never blocks
// or fails because the broker is down.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Outcome names the terminal result of one send attempt.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// SendOutcome is the published event payload.
type SendOutcome struct {
	TaskID            uuid.UUID `json:"task_id"`
	SubTaskID         uuid.UUID `json:"subtask_id"`
	ServiceID         uuid.UUID `json:"service_id"`
	TrackingID        string    `json:"tracking_id"`
	Outcome           Outcome   `json:"outcome"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Publisher sends outcome events. The zero-value-like nil Publisher is valid
// and drops events to the log only.
type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	url   string
	queue string
}

// Connect dials the broker and declares the durable outcome queue.
func Connect(url, queue string) (*Publisher, error) {
	p := &Publisher{url: url, queue: queue}
	if err := p.dial(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) dial() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", p.queue, err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// Publish emits one outcome event. Errors are logged, the broker is redialed
// once, and failure beyond that drops the event.
func (p *Publisher) Publish(ev SendOutcome) {
	if p == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Events] encode outcome: %v", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.publishLocked(body); err != nil {
		log.Printf("[Events] publish failed, redialing: %v", err)
		if err := p.redialLocked(); err != nil {
			log.Printf("[Events] redial failed, dropping event for subtask %s: %v", ev.SubTaskID, err)
			return
		}
		if err := p.publishLocked(body); err != nil {
			log.Printf("[Events] publish failed after redial, dropping event for subtask %s: %v", ev.SubTaskID, err)
		}
	}
}

func (p *Publisher) publishLocked(body []byte) error {
	if p.ch == nil {
		return fmt.Errorf("channel not open")
	}
	return p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *Publisher) redialLocked() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch, p.conn = nil, nil
	return p.dial()
}

// Close shuts the channel and connection down.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
