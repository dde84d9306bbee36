// Package relay forwards published broker envelopes to a Kafka topic.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"

	"marketfeed/logger"
	"marketfeed/metrics"
	"marketfeed/services/broker"
)

// Writer is the subset of *kafka.Writer the relay uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka relay.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	QueueSize    int           `mapstructure:"queue_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	FlushEvery   time.Duration `mapstructure:"flush_every"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// DefaultConfig returns the relay settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Topic:        "marketfeed.updates",
		QueueSize:    4096,
		BatchSize:    100,
		FlushEvery:   500 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		MaxRetries:   3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Topic == "" {
		c.Topic = def.Topic
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = def.FlushEvery
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	return c
}

// NewKafkaWriter builds a producer that partitions by message key.
func NewKafkaWriter(cfg Config) *kafka.Writer {
	cfg = cfg.withDefaults()
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           cfg.FlushEvery,
	}
}

// Relay is a broker tap. Tap never blocks; envelopes that do not fit the
// queue are dropped and counted.
type Relay struct {
	cfg     Config
	writer  Writer
	queue   chan broker.Envelope
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option { return func(r *Relay) { r.logger = l } }

// WithMetrics counts relayed envelopes on m.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Relay) { r.metrics = m } }

// New creates a relay writing through w. Call Run to start it.
func New(w Writer, cfg Config, opts ...Option) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		cfg:    cfg,
		writer: w,
		queue:  make(chan broker.Envelope, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Component("relay")
	}
	return r
}

// Tap queues env for Kafka. It is a broker tap and never blocks.
func (r *Relay) Tap(env broker.Envelope) {
	select {
	case r.queue <- env:
	default:
		r.metrics.Relayed("dropped")
	}
}

// Run drains the queue in batches until ctx is done, then flushes what is
// left and closes the writer.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case env := <-r.queue:
					batch = r.appendMessage(batch, env)
				default:
					break drain
				}
			}
			r.flush(batch)
			return r.writer.Close()

		case env := <-r.queue:
			batch = r.appendMessage(batch, env)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Relay) appendMessage(batch []kafka.Message, env broker.Envelope) []kafka.Message {
	value, err := sonic.Marshal(env)
	if err != nil {
		r.logger.Error("encode envelope", slog.String("type", env.Type), slog.Any("error", err))
		r.metrics.Relayed("error")
		return batch
	}
	key := env.Symbol
	if key == "" {
		key = env.Topic
	}
	return append(batch, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  env.Timestamp,
	})
}

func (r *Relay) flush(batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.writer.WriteMessages(ctx, batch...); err != nil {
		r.logger.Error("relay write failed", slog.Int("count", len(batch)), slog.Any("error", err))
		for range batch {
			r.metrics.Relayed("error")
		}
		return
	}
	for range batch {
		r.metrics.Relayed("sent")
	}
}
