package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
)

const (
	DefaultKafkaBuffer  = 1024
	DefaultKafkaTimeout = 5 * time.Second
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink streams committed audit entries to a Kafka topic. Entries are
// queued and written by a single goroutine; when the queue is full they are
// dropped and counted.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	queue   chan *treasury.AuditEntry
	stopped bool
	once    sync.Once
	dropped atomic.Uint64

	wg sync.WaitGroup
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates a sink writing to topic on brokers. Entries of one
// wallet share a partition so consumers see them in order.
func NewKafkaSink(brokers []string, topic string, log *logging.Logger, m *metrics.Metrics) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(writer, DefaultKafkaBuffer, DefaultKafkaTimeout, log, m)
}

// NewKafkaSinkWithWriter creates a sink over an existing writer.
func NewKafkaSinkWithWriter(writer MessageWriter, buffer int, timeout time.Duration, log *logging.Logger, m *metrics.Metrics) *KafkaSink {
	if buffer <= 0 {
		buffer = DefaultKafkaBuffer
	}
	if timeout <= 0 {
		timeout = DefaultKafkaTimeout
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &KafkaSink{
		writer:  writer,
		timeout: timeout,
		log:     log,
		metrics: m,
		queue:   make(chan *treasury.AuditEntry, buffer),
	}
}

// Start launches the writer goroutine.
func (s *KafkaSink) Start() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop drains queued entries and closes the writer, or gives up when ctx ends.
func (s *KafkaSink) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return s.writer.Close()
	case <-ctx.Done():
		return fmt.Errorf("kafka audit sink stop: %w", ctx.Err())
	}
}

// Dropped returns the number of entries that were not delivered.
func (s *KafkaSink) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Publish enqueues entries. It never blocks.
func (s *KafkaSink) Publish(entries []*treasury.AuditEntry) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	for _, e := range entries {
		select {
		case s.queue <- e:
		default:
			s.drop()
		}
	}
}

func (s *KafkaSink) drop() {
	s.dropped.Add(1)
	s.metrics.AuditDropped("kafka")
}

func (s *KafkaSink) run() {
	defer s.wg.Done()

	for e := range s.queue {
		msg, err := toMessage(e)
		if err != nil {
			s.log.WithError(err).WithField("sequence", e.Sequence).Error("encode audit entry")
			s.drop()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("sequence", e.Sequence).Warn("publish audit entry to kafka")
			s.drop()
		}
	}
}

func toMessage(e *treasury.AuditEntry) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	key := e.WalletID
	if key == "" {
		key = e.EntityID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "entity_type", Value: []byte(e.EntityType)},
		},
	}, nil
}
