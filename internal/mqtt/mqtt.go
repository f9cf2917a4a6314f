package mqtt

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"coldroom-server/internal/config"
)

// MessageHandler processes one raw payload. A returned error is logged and
// the message is dropped.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

type Subscriber struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	handlerMu sync.RWMutex
	handler   MessageHandler

	// inflight tracks running handler calls; draining stops new ones from
	// being counted once Disconnect starts waiting.
	inflightMu sync.Mutex
	inflight   sync.WaitGroup
	draining   bool

	// ctx is handed to every handler call and cancelled by Disconnect.
	ctx    context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSubscriber(cfg config.Config, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}

	clientID := cfg.MQTTClientID
	if clientID == "" {
		clientID = "coldroom-server-" + uuid.NewString()[:8]
	}

	opts := clientOptions(cfg, clientID)
	// Each message runs on its own goroutine; a slow store never stalls the
	// network loop.
	opts.SetOrderMatters(false)

	// With a clean session the subscription is gone after every reconnect,
	// so it is renewed here rather than once in Connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort, "client_id", clientID)
		go s.subscribe(c)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// SetMessageHandler must be called before Connect.
func (s *Subscriber) SetMessageHandler(h MessageHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

// Connect waits for the first connection to the broker. Subscribing happens
// in the on-connect callback.
func (s *Subscriber) Connect(ctx context.Context) error {
	// Fail fast if already stopped.
	select {
	case <-s.stopCh:
		return errStopped
	default:
	}

	// Fast path.
	if s.IsConnected() {
		return nil
	}

	if err := waitForConnect(ctx, s.client, s.stopCh); err != nil {
		return err
	}
	// The on-connect callback runs on its own goroutine and may lag.
	s.setConnected(true)
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) {
	topic := s.cfg.MQTTTopic
	qos := byte(1) // At least once delivery

	token := c.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		s.logger.Error("subscribe timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("subscribe failed", "topic", topic, "error", err)
		return
	}
	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
}

// drainTimeout bounds how long Disconnect waits for running handlers.
const drainTimeout = 15 * time.Second

// handleMessage never lets a bad message take down the listener.
func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.inflightMu.Lock()
	if s.draining {
		s.inflightMu.Unlock()
		s.logger.Warn("subscriber stopping, dropping message", "topic", topic)
		return
	}
	s.inflight.Add(1)
	s.inflightMu.Unlock()
	defer s.inflight.Done()

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("mqtt message handler panicked",
				"topic", topic,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()

	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()
	if h == nil {
		s.logger.Warn("no message handler, dropping message", "topic", topic)
		return
	}

	if err := h(s.ctx, topic, payload); err != nil {
		s.logger.Warn("mqtt message dropped",
			"topic", topic,
			"error", err,
			"payload", truncate(payload, 256),
		)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber, closes the MQTT connection and waits for
// running handlers to return. Idempotent and safe to call multiple times.
func (s *Subscriber) Disconnect() {
	// Signal shutdown once (unblocks any Connect loops).
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.cfg.MQTTTopic)
		token.WaitTimeout(2 * time.Second)
	}

	// Disconnect without holding s.mu to avoid lock contention/deadlocks.
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.drain()
	s.cancel()

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) drain() {
	s.inflightMu.Lock()
	s.draining = true
	s.inflightMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("mqtt handlers still running after drain timeout", "timeout", drainTimeout)
	}
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
