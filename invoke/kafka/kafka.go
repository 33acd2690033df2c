// Package kafka invokes functions asynchronously by producing Kafka records.
//
// Each function name maps to one topic (prefix + name) and each invocation
// is one record whose value is the payload. Consumers of those topics run
// the functions. Kafka has no reply path, so synchronous invocation is not
// supported; pair this invoker with a synchronous one (local or NATS) for
// the publish and confirm entry points.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/camtittle/photosharing-eventbus/invoke"
)

// Errors
var (
	ErrProducerRequired = errors.New("kafka producer is required")
)

// DefaultTopicPrefix is prepended to function names.
const DefaultTopicPrefix = "eventbus."

// Invoker implements invoke.Invoker on a sarama.SyncProducer.
type Invoker struct {
	producer sarama.SyncProducer
	prefix   string
	logger   *slog.Logger
}

// Option configures the Kafka invoker
type Option func(*Invoker)

// WithTopicPrefix sets the topic prefix
func WithTopicPrefix(prefix string) Option {
	return func(i *Invoker) {
		i.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// New creates an invoker that owns producer; Close closes it.
func New(producer sarama.SyncProducer, opts ...Option) (*Invoker, error) {
	if producer == nil {
		return nil, ErrProducerRequired
	}

	i := &Invoker{
		producer: producer,
		prefix:   DefaultTopicPrefix,
		logger:   invoke.Logger("invoke.kafka"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Dial connects a sync producer to brokers.
func Dial(brokers []string, opts ...Option) (*Invoker, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return New(producer, opts...)
}

// Topic returns the topic a function is reachable on.
func (i *Invoker) Topic(name string) string {
	return i.prefix + name
}

// Invoke is not supported by Kafka.
func (i *Invoker) Invoke(_ context.Context, name string, _ []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: kafka cannot invoke %s synchronously", invoke.ErrUnsupported, name)
}

// InvokeAsync produces one record and returns once the broker acknowledged it.
func (i *Invoker) InvokeAsync(_ context.Context, name string, payload []byte) error {
	partition, offset, err := i.producer.SendMessage(&sarama.ProducerMessage{
		Topic: i.Topic(name),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("invoke async %s: %w", name, err)
	}
	i.logger.Debug("invocation produced", "function", name, "partition", partition, "offset", offset)
	return nil
}

// Close closes the underlying producer.
func (i *Invoker) Close() error {
	return i.producer.Close()
}

// Compile-time check
var _ invoke.Invoker = (*Invoker)(nil)
