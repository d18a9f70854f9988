// Package notify は予約のライフサイクルイベントを通知基盤へ送信する。
// メール等の実際の通知は購読側が行う。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/recruitcal/internal/model"
)

// EventType は予約イベントの種別。
type EventType string

const (
	EventBookingCreated     EventType = "booking.created"
	EventBookingConfirmed   EventType = "booking.confirmed"
	EventBookingCancelled   EventType = "booking.cancelled"
	EventBookingRescheduled EventType = "booking.rescheduled"
	EventBookingCompleted   EventType = "booking.completed"
	EventBookingNoShow      EventType = "booking.no_show"
)

// Event はキューに送信するメッセージ本文。
type Event struct {
	Type            EventType           `json:"type"`
	BookingID       string              `json:"booking_id"`
	OrganizerID     string              `json:"organizer_id"`
	MeetingTypeID   string              `json:"meeting_type_id,omitempty"`
	StageInstanceID string              `json:"stage_instance_id,omitempty"`
	AttendeeName    string              `json:"attendee_name,omitempty"`
	AttendeeEmail   string              `json:"attendee_email,omitempty"`
	ScheduledAt     time.Time           `json:"scheduled_at"`
	DurationMinutes int                 `json:"duration_minutes"`
	Timezone        string              `json:"timezone,omitempty"`
	MeetingURL      string              `json:"meeting_url,omitempty"`
	Status          model.BookingStatus `json:"status"`
	OccurredAt      time.Time           `json:"occurred_at"`
}

// NewEvent は予約からイベントを組み立てる。
func NewEvent(typ EventType, b *model.Booking, now time.Time) Event {
	return Event{
		Type:            typ,
		BookingID:       b.ID,
		OrganizerID:     b.OrganizerID,
		MeetingTypeID:   b.MeetingTypeID,
		StageInstanceID: b.StageInstanceID,
		AttendeeName:    b.Attendee.Name,
		AttendeeEmail:   b.Attendee.Email,
		ScheduledAt:     b.ScheduledAt,
		DurationMinutes: b.DurationMinutes,
		Timezone:        b.Timezone,
		MeetingURL:      b.MeetingURL,
		Status:          b.Status,
		OccurredAt:      now,
	}
}

// Publisher は予約イベントの送信インターフェース。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher は何も送信しないPublisher。RABBITMQ_URL未設定時に使用する。
type NopPublisher struct{}

// Publish は何もしない。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close は何もしない。
func (NopPublisher) Close() error { return nil }

// RabbitPublisher はRabbitMQの永続キューにイベントをJSONで送信する。
type RabbitPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	queue string
}

// NewRabbitPublisher はRabbitMQに接続し、永続キューを宣言する。
func NewRabbitPublisher(url, queueName string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	slog.Info("rabbitmq publisher ready", slog.String("queue", q.Name))
	return &RabbitPublisher{conn: conn, queue: q.Name}, nil
}

// Publish はイベントを1件送信する。チャネルは送信ごとに開いて閉じる。
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(event.Type),
		MessageId:    event.BookingID + ":" + string(event.Type),
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Close は接続を閉じる。
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*RabbitPublisher)(nil)
)
