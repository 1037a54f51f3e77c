package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

var ErrPublisherClosed = errors.New("notify: publisher closed")

const headerEventType = "event_type"

// KafkaSource reads store notifications from a topic. Each client device
// uses its own consumer group so every device sees every event.
type KafkaSource struct {
	r       *kafka.Reader
	storeID string
}

func NewKafkaSource(brokers []string, group, topic, storeID string) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return &KafkaSource{r: r, storeID: storeID}
}

// Listen handles one message at a time and commits it afterwards. Messages
// for other stores and undecodable messages are committed and skipped.
func (s *KafkaSource) Listen(ctx context.Context, h Handler) error {
	defer s.r.Close()

	for {
		m, err := s.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("notify: fetch message: %w", err)
		}

		var ev Event
		switch err := json.Unmarshal(m.Value, &ev); {
		case err != nil:
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("notify: skipping undecodable message")
		case s.storeID != "" && ev.StoreID != "" && ev.StoreID != s.storeID:
		default:
			h(ctx, ev)
		}

		if err := s.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Int64("offset", m.Offset).Msg("notify: failed to commit message")
		}
	}
}

// KafkaPublisher queues events and writes them from a single goroutine,
// keyed by store id so one store's events stay ordered. Events queue up
// until Start is called; Close never blocks on a full queue.
type KafkaPublisher struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	quit    chan struct{}
	closeCh chan struct{}

	quitOnce sync.Once
	mu       sync.RWMutex
	started  bool
	closed   bool
}

func NewKafkaPublisher(brokers []string, topic string, buf int) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		inbox:   make(chan kafka.Message, buf),
		quit:    make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Start launches the writer goroutine. It is a no-op once started or closed.
func (p *KafkaPublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			if err := p.w.WriteMessages(context.Background(), m); err != nil {
				log.Error().Err(err).Str("key", string(m.Key)).Msg("notify: failed to write message")
			}
		}
		if err := p.w.Close(); err != nil {
			log.Error().Err(err).Msg("notify: failed to close writer")
		}
	}()
}

// Publish queues ev. It blocks while the queue is full until ctx ends or
// the publisher is closed.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	m := kafka.Message{
		Key:     []byte(ev.StoreID),
		Value:   value,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(ev.Type)}},
	}
	select {
	case p.inbox <- m:
		return nil
	case <-p.quit:
		return ErrPublisherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events; queued ones are still written when the
// publisher was started and dropped otherwise. Blocked Publish calls return
// ErrPublisherClosed.
func (p *KafkaPublisher) Close() {
	p.quitOnce.Do(func() { close(p.quit) })

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
	if !p.started {
		if n := len(p.inbox); n > 0 {
			log.Warn().Int("dropped", n).Msg("notify: publisher closed before start, dropping queued events")
		}
		if err := p.w.Close(); err != nil {
			log.Error().Err(err).Msg("notify: failed to close writer")
		}
		close(p.closeCh)
	}
}

func (p *KafkaPublisher) WaitClosed() {
	<-p.closeCh
}
