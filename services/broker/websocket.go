package broker

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"marketfeed/logger"
	"marketfeed/models"
)

// WSConfig holds websocket timeouts and the inbound message limit.
type WSConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

// DefaultWSConfig returns the websocket settings used when none are configured.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    4096,
	}
}

// InitialFunc returns the envelope a new subscriber of topic should see
// first, typically the cached latest value.
type InitialFunc func(topic string) (Envelope, bool)

// WSHandler serves broker topics over websocket connections.
type WSHandler struct {
	broker   *Broker
	cfg      WSConfig
	upgrader websocket.Upgrader
	initial  InitialFunc
	logger   *slog.Logger
}

// WSOption configures a WSHandler.
type WSOption func(*WSHandler)

// WithInitial sends fn's envelope to each new subscription before any update.
func WithInitial(fn InitialFunc) WSOption { return func(h *WSHandler) { h.initial = fn } }

// WithWSLogger sets the handler logger.
func WithWSLogger(l *slog.Logger) WSOption { return func(h *WSHandler) { h.logger = l } }

// NewWSHandler creates the websocket transport over b.
func NewWSHandler(b *Broker, cfg WSConfig, opts ...WSOption) *WSHandler {
	def := DefaultWSConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	h := &WSHandler{
		broker: b,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logger.Component("websocket")
	}
	return h
}

// Command is a client request on an open connection.
type Command struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
	Topics  []string `json:"topics"`
}

type codec struct {
	msgType int
	encode  func(Envelope) ([]byte, error)
}

var jsonCodec = codec{msgType: websocket.TextMessage, encode: func(e Envelope) ([]byte, error) { return sonic.Marshal(e) }}

var msgpackCodec = codec{msgType: websocket.BinaryMessage, encode: func(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}}

// Serve upgrades the request and subscribes the connection to topics.
// ?format=msgpack switches frames from JSON text to msgpack binary.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, topics ...string) {
	sub, err := h.broker.NewSubscriber()
	if err != nil {
		h.logger.Warn("websocket client rejected", slog.Any("error", err))
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.broker.Disconnect(sub)
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := jsonCodec
	if r.URL.Query().Get("format") == "msgpack" {
		c = msgpackCodec
	}

	h.logger.Info("websocket client connected", slog.String("subscriber", sub.ID),
		slog.Int("connections", h.broker.Connections()))
	for _, t := range topics {
		h.subscribe(sub, t)
	}

	go h.writePump(conn, sub, c)
	h.readPump(conn, sub)
}

func (h *WSHandler) subscribe(sub *Subscriber, topic string) {
	var err error
	if h.initial != nil {
		_, err = h.broker.SubscribeWithSnapshot(sub, topic, h.initial)
	} else {
		_, err = h.broker.Subscribe(sub, topic)
	}
	if errors.Is(err, ErrTopicLimit) {
		h.broker.Send(sub, Envelope{Type: TypeError, Topic: topic, Message: err.Error()})
	}
}

func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.broker.Disconnect(sub)
		conn.Close()
		h.logger.Info("websocket client disconnected", slog.String("subscriber", sub.ID),
			slog.Int64("dropped", sub.Dropped()))
	}()

	conn.SetReadLimit(h.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", slog.String("subscriber", sub.ID), slog.Any("error", err))
			}
			return
		}

		var cmd Command
		if err := sonic.Unmarshal(message, &cmd); err != nil {
			h.broker.Send(sub, Envelope{Type: TypeError, Message: "invalid command"})
			continue
		}
		h.handle(sub, cmd)
	}
}

func (h *WSHandler) handle(sub *Subscriber, cmd Command) {
	topics := make([]string, 0, len(cmd.Symbols)+len(cmd.Topics))
	for _, raw := range cmd.Symbols {
		sym, err := models.NormalizeSymbol(raw)
		if err != nil {
			h.broker.Send(sub, Envelope{Type: TypeError, Symbol: raw, Message: err.Error()})
			continue
		}
		topics = append(topics, StockTopic(sym))
	}
	for _, t := range cmd.Topics {
		if t != MarketTopic {
			h.broker.Send(sub, Envelope{Type: TypeError, Topic: t, Message: "unknown topic"})
			continue
		}
		topics = append(topics, t)
	}

	switch cmd.Action {
	case "subscribe":
		for _, t := range topics {
			h.subscribe(sub, t)
		}
	case "unsubscribe":
		for _, t := range topics {
			h.broker.Unsubscribe(sub, t)
		}
	default:
		h.broker.Send(sub, Envelope{Type: TypeError, Message: "unknown action " + cmd.Action})
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber, c codec) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		// a failed write tears the subscription down immediately
		h.broker.Disconnect(sub)
		conn.Close()
	}()

	for {
		select {
		case <-sub.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case env := <-sub.C():
			if sub.TakeLagged() {
				notice := Envelope{Type: TypeError, Message: "slow consumer: older updates were dropped", Timestamp: time.Now()}
				if err := h.write(conn, c, notice); err != nil {
					return
				}
			}
			if err := h.write(conn, c, env); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, c codec, env Envelope) error {
	data, err := c.encode(env)
	if err != nil {
		h.logger.Error("encode envelope", slog.String("type", env.Type), slog.Any("error", err))
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return conn.WriteMessage(c.msgType, data)
}
