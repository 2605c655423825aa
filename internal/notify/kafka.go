package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"cuewatch/internal/alarm"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// message is the record published for every fire and alarm.
type message struct {
	Kind         string            `json:"kind"`
	Notification *Notification     `json:"notification,omitempty"`
	Escalation   *alarm.Escalation `json:"escalation,omitempty"`
}

// Kafka publishes fired reminders as JSON records keyed by reminder id.
type Kafka struct {
	w writer
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *Kafka) publish(ctx context.Context, id int64, m message) error {
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(id, 10)), Value: value}); err != nil {
		return fmt.Errorf("failed to publish %s of reminder %d to Kafka: %w", m.Kind, id, err)
	}
	return nil
}

func (k *Kafka) Notify(ctx context.Context, n Notification) error {
	return k.publish(ctx, n.ReminderID, message{Kind: "notification", Notification: &n})
}

// PublishEscalation records an alarm that started ringing.
func (k *Kafka) PublishEscalation(ctx context.Context, e alarm.Escalation) error {
	return k.publish(ctx, e.ReminderID, message{Kind: "alarm", Escalation: &e})
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
