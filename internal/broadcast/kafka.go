package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the mirror needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror republishes every stored reading to a Kafka topic, keyed by
// room id so that one room's readings stay in one partition. It is one more
// observer: a slow broker only fills its own queue.
type KafkaMirror struct {
	writer       MessageWriter
	sub          *Subscription
	writeTimeout time.Duration
	logger       *slog.Logger
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

func NewKafkaMirror(hub *Hub, writer MessageWriter, logger *slog.Logger) *KafkaMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaMirror{
		writer:       writer,
		sub:          hub.Subscribe("kafka"),
		writeTimeout: 5 * time.Second,
		logger:       logger.With("component", "kafka-mirror"),
	}
}

// Run forwards events until ctx is done or the hub closes. Write errors are
// logged and the event is dropped.
func (m *KafkaMirror) Run(ctx context.Context) {
	defer m.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-m.sub.Events():
			if !ok {
				return
			}
			value, err := json.Marshal(Frame{Event: EventNewReading, Data: r})
			if err != nil {
				m.logger.Error("kafka marshal", "error", err, "id", r.ID)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
			err = m.writer.WriteMessages(writeCtx, kafka.Message{
				Key:   []byte(strconv.FormatInt(r.RoomID, 10)),
				Value: value,
				Time:  r.PersistedAt,
			})
			cancel()
			if err != nil {
				m.logger.Warn("kafka write failed, event dropped", "error", err, "id", r.ID)
			}
		}
	}
}

func (m *KafkaMirror) Close() error {
	m.sub.Close()
	return m.writer.Close()
}
