// Package broker fans published envelopes out to live subscribers by topic.
//
// Topics are "stock:<SYMBOL>" for one instrument and "market" for the
// aggregate index feed. Delivery is best effort per subscriber: each has a
// bounded queue with drop-oldest overflow, so a slow consumer never stalls
// the publisher or other subscribers.
package broker

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"marketfeed/logger"
	"marketfeed/metrics"
)

// Envelope types
const (
	TypeStockUpdate  = "stock_update"
	TypeMarketUpdate = "market_update"
	TypeError        = "error"
)

const (
	MarketTopic = "market"
	stockPrefix = "stock:"
)

var (
	ErrCapacity   = errors.New("subscriber limit reached")
	ErrTopicLimit = errors.New("topic limit reached")
)

// StockTopic is the topic carrying updates for symbol.
func StockTopic(symbol string) string { return stockPrefix + symbol }

// SymbolOf returns the symbol of a stock topic.
func SymbolOf(topic string) (string, bool) {
	if !strings.HasPrefix(topic, stockPrefix) {
		return "", false
	}
	return topic[len(stockPrefix):], true
}

// Envelope is the typed message delivered to subscribers.
type Envelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is one subscriber's interest in one topic.
type Subscription struct {
	SubscriberID string    `json:"subscriber_id"`
	Topic        string    `json:"topic"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config bounds the broker. MaxTopics caps the topics one subscriber may hold.
type Config struct {
	QueueSize      int `mapstructure:"queue_size"`
	MaxSubscribers int `mapstructure:"max_subscribers"`
	MaxTopics      int `mapstructure:"max_topics"`
}

// DefaultConfig returns the broker limits used when none are configured.
func DefaultConfig() Config {
	return Config{QueueSize: 64, MaxSubscribers: 1000, MaxTopics: 50}
}

// CountFunc observes live-subscriber count changes per topic.
type CountFunc func(topic string, count int)

// Broker routes envelopes from publishers to topic subscribers.
type Broker struct {
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	topics      map[string]map[string]*Subscriber
	taps        []func(Envelope)
	observers   []CountFunc
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithMetrics records subscriber counts, publishes and drops on m.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Broker) { b.metrics = m } }

// New creates a broker. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Broker {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = def.MaxSubscribers
	}
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = def.MaxTopics
	}
	b := &Broker{
		cfg:         cfg,
		now:         time.Now,
		subscribers: make(map[string]*Subscriber),
		topics:      make(map[string]map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logger.Component("broker")
	}
	return b
}

// OnCountChange registers fn to be called after a topic's live count changes.
func (b *Broker) OnCountChange(fn CountFunc) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Tap receives every published envelope. Taps are not subscribers: they do
// not count towards any topic and must not block.
func (b *Broker) Tap(fn func(Envelope)) {
	b.mu.Lock()
	b.taps = append(b.taps, fn)
	b.mu.Unlock()
}

// NewSubscriber registers a subscriber with no topics.
func (b *Broker) NewSubscriber() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribers) >= b.cfg.MaxSubscribers {
		return nil, ErrCapacity
	}
	s := newSubscriber(b.cfg.QueueSize, b.now())
	b.subscribers[s.ID] = s
	return s, nil
}

// Subscribe adds topic to sub. Subscribing twice returns the existing subscription.
func (b *Broker) Subscribe(sub *Subscriber, topic string) (Subscription, error) {
	return b.subscribe(sub, topic, nil)
}

// SubscribeWithSnapshot is Subscribe that first queues snapshot(topic) for a
// new subscription. The snapshot is taken and queued before the subscriber
// becomes visible to Publish, so it can never arrive after a newer update.
func (b *Broker) SubscribeWithSnapshot(sub *Subscriber, topic string, snapshot InitialFunc) (Subscription, error) {
	return b.subscribe(sub, topic, snapshot)
}

func (b *Broker) subscribe(sub *Subscriber, topic string, snapshot InitialFunc) (Subscription, error) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub.ID]; !ok || sub.Closed() {
		b.mu.Unlock()
		return Subscription{}, ErrClosed
	}
	if at, ok := sub.topics[topic]; ok {
		b.mu.Unlock()
		return Subscription{SubscriberID: sub.ID, Topic: topic, CreatedAt: at}, nil
	}
	if len(sub.topics) >= b.cfg.MaxTopics {
		b.mu.Unlock()
		return Subscription{}, ErrTopicLimit
	}
	at := b.now()
	if snapshot != nil {
		if env, ok := snapshot(topic); ok {
			if env.Timestamp.IsZero() {
				env.Timestamp = at
			}
			sub.deliver(env)
		}
	}
	sub.topics[topic] = at
	members := b.topics[topic]
	if members == nil {
		members = make(map[string]*Subscriber)
		b.topics[topic] = members
	}
	members[sub.ID] = sub
	n := len(members)
	observers := b.observers
	b.mu.Unlock()

	b.countChanged(observers, topic, n)
	return Subscription{SubscriberID: sub.ID, Topic: topic, CreatedAt: at}, nil
}

// Unsubscribe removes topic from sub. Unknown subscriptions are ignored.
func (b *Broker) Unsubscribe(sub *Subscriber, topic string) {
	b.mu.Lock()
	n, changed := b.removeLocked(sub, topic)
	observers := b.observers
	b.mu.Unlock()
	if changed {
		b.countChanged(observers, topic, n)
	}
}

// Disconnect drops every subscription of sub and closes it. Safe to call more than once.
func (b *Broker) Disconnect(sub *Subscriber) {
	b.mu.Lock()
	counts := make(map[string]int, len(sub.topics))
	for topic := range sub.topics {
		if n, changed := b.removeLocked(sub, topic); changed {
			counts[topic] = n
		}
	}
	delete(b.subscribers, sub.ID)
	observers := b.observers
	b.mu.Unlock()

	sub.close()
	for topic, n := range counts {
		b.countChanged(observers, topic, n)
	}
}

func (b *Broker) removeLocked(sub *Subscriber, topic string) (int, bool) {
	if _, ok := sub.topics[topic]; !ok {
		return 0, false
	}
	delete(sub.topics, topic)
	members := b.topics[topic]
	delete(members, sub.ID)
	n := len(members)
	if n == 0 {
		delete(b.topics, topic)
	}
	return n, true
}

func (b *Broker) countChanged(observers []CountFunc, topic string, n int) {
	b.metrics.SetSubscribers(topic, n)
	for _, fn := range observers {
		fn(topic, n)
	}
}

// Publish delivers env to every subscriber of env.Topic and returns how
// many received it. It never blocks on a subscriber.
func (b *Broker) Publish(env Envelope) int {
	if env.Timestamp.IsZero() {
		env.Timestamp = b.now()
	}

	b.mu.RLock()
	members := make([]*Subscriber, 0, len(b.topics[env.Topic]))
	for _, s := range b.topics[env.Topic] {
		members = append(members, s)
	}
	taps := b.taps
	b.mu.RUnlock()

	for _, fn := range taps {
		fn(env)
	}

	delivered := 0
	for _, s := range members {
		if s.Closed() {
			continue
		}
		if s.deliver(env) {
			b.metrics.Dropped()
			b.logger.Debug("subscriber lagging, dropped oldest", slog.String("subscriber", s.ID),
				slog.String("topic", env.Topic), slog.Int64("dropped", s.Dropped()))
		}
		delivered++
	}
	b.metrics.Published(env.Type)
	return delivered
}

// Send delivers env to a single subscriber, with the same overflow policy as Publish.
func (b *Broker) Send(sub *Subscriber, env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = b.now()
	}
	if sub.deliver(env) {
		b.metrics.Dropped()
	}
}

// SubscriberCount is the number of live subscribers of topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics returns the live count of every topic with at least one subscriber.
func (b *Broker) Topics() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.topics))
	for t, m := range b.topics {
		out[t] = len(m)
	}
	return out
}

// Connections is the number of registered subscribers.
func (b *Broker) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber.
func (b *Broker) Close() {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		b.Disconnect(s)
	}
}
