package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// Lifecycle event types published for downstream consumers
// (presence, analytics).
const (
	EventBroadcastStarted = "broadcast_started"
	EventBroadcastStopped = "broadcast_stopped"
)

// Stop reasons.
const (
	ReasonExplicit   = "explicit"
	ReasonDisconnect = "disconnect"
)

// LifecycleEvent is one broadcast state change.
type LifecycleEvent struct {
	Type          string `json:"type"`
	RoomID        string `json:"room_id"`
	BroadcasterID string `json:"broadcaster_id"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// LifecycleProducer publishes broadcast lifecycle events.
type LifecycleProducer interface {
	ProduceBroadcastStarted(ctx context.Context, roomID, broadcasterID string) error
	ProduceBroadcastStopped(ctx context.Context, roomID, broadcasterID, reason string) error
	Close() error
}

// KafkaProducer implements LifecycleProducer on confluent-kafka-go.
type KafkaProducer struct {
	producer *kafka.Producer
	topic    string
	done     chan struct{}
}

// NewKafkaProducer creates a producer and ensures the topic exists.
func NewKafkaProducer(brokers, topic string, partitions int) (*KafkaProducer, error) {
	if err := ensureTopic(brokers, topic, partitions); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str("topic", topic).Msg("failed to ensure topic, may already exist")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kp := &KafkaProducer{
		producer: p,
		topic:    topic,
		done:     make(chan struct{}),
	}
	go kp.deliveryReportLoop()
	return kp, nil
}

func ensureTopic(brokers, topic string, partitions int) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		},
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}
	return nil
}

// ProduceBroadcastStarted publishes a broadcast_started event keyed by
// room so per-room ordering is preserved.
func (p *KafkaProducer) ProduceBroadcastStarted(ctx context.Context, roomID, broadcasterID string) error {
	return p.produce(LifecycleEvent{
		Type:          EventBroadcastStarted,
		RoomID:        roomID,
		BroadcasterID: broadcasterID,
		Timestamp:     time.Now().Unix(),
	})
}

// ProduceBroadcastStopped publishes a broadcast_stopped event.
func (p *KafkaProducer) ProduceBroadcastStopped(ctx context.Context, roomID, broadcasterID, reason string) error {
	return p.produce(LifecycleEvent{
		Type:          EventBroadcastStopped,
		RoomID:        roomID,
		BroadcasterID: broadcasterID,
		Reason:        reason,
		Timestamp:     time.Now().Unix(),
	})
}

func (p *KafkaProducer) produce(event LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.RoomID),
		Value:          data,
	}, nil)
}

func (p *KafkaProducer) deliveryReportLoop() {
	l := pkglog.L().With().Str(pkglog.FieldComponent, "kafka_producer").Logger()
	for {
		select {
		case <-p.done:
			return
		case e, ok := <-p.producer.Events():
			if !ok {
				return
			}
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				l.Error().Err(m.TopicPartition.Error).Msg("lifecycle event delivery failed")
			}
		}
	}
}

// Close flushes pending events and shuts the producer down.
func (p *KafkaProducer) Close() error {
	p.producer.Flush(5000)
	close(p.done)
	p.producer.Close()
	return nil
}
