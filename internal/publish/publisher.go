package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTopic is where transcription events are published unless configured otherwise.
const DefaultTopic = "sensors/transcription/text"

// ErrEmptyText is returned when building an event from a blank transcription.
var ErrEmptyText = errors.New("transcription text is empty")

// TranscriptionEvent is the payload consumers receive for one session.
type TranscriptionEvent struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	File      string    `json:"file"`
	Language  string    `json:"language"`
}

// NewEvent builds an event. Text is trimmed; blank text is rejected.
func NewEvent(text, file, language string, at time.Time) (TranscriptionEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TranscriptionEvent{}, ErrEmptyText
	}
	return TranscriptionEvent{
		Text:      text,
		Timestamp: at.UTC(),
		File:      file,
		Language:  language,
	}, nil
}

// Broker is the minimal pub/sub connection the Publisher needs.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	// OnDisconnect registers a function called when the connection is lost unexpectedly.
	OnDisconnect(fn func(err error))
	Close()
}

// Ack confirms the broker accepted a message.
type Ack struct {
	Topic       string
	Bytes       int
	PublishedAt time.Time
}

// PublishError wraps any failure to deliver an event.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Config controls publishing behaviour.
type Config struct {
	Topic   string
	QoS     byte
	Timeout time.Duration // bound for one Publish call
}

// Stats counts publish outcomes.
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Topic     string `json:"topic"`
}

// Publisher sends transcription events over a shared broker connection.
// Publish calls are serialized so concurrent pipelines never interleave
// their writes on the connection. There is no local retry.
type Publisher struct {
	broker Broker
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	connected atomic.Bool
	published atomic.Uint64
	failed    atomic.Uint64

	onConnectionChange func(connected bool)
}

// NewPublisher creates a publisher over broker.
func NewPublisher(broker Broker, config Config, logger *slog.Logger) *Publisher {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Publisher{
		broker: broker,
		config: config,
		logger: logger,
	}
}

// OnConnectionChange registers a function told about connection state changes.
func (p *Publisher) OnConnectionChange(fn func(connected bool)) {
	p.onConnectionChange = fn
}

// Connect opens the broker connection and starts watching for disconnects.
func (p *Publisher) Connect(ctx context.Context) error {
	p.broker.OnDisconnect(func(err error) {
		p.setConnected(false)
		p.logger.Warn("Broker connection lost", slog.String("error", errString(err)))
	})

	if err := p.broker.Connect(ctx); err != nil {
		p.setConnected(false)
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	p.setConnected(true)
	p.logger.Info("Connected to broker", slog.String("topic", p.config.Topic))
	return nil
}

// Topic returns the configured topic.
func (p *Publisher) Topic() string {
	return p.config.Topic
}

// Publish encodes ev as JSON and sends it to topic. An empty topic uses the
// configured one.
func (p *Publisher) Publish(ctx context.Context, topic string, ev TranscriptionEvent) (Ack, error) {
	if topic == "" {
		topic = p.config.Topic
	}

	if strings.TrimSpace(ev.Text) == "" {
		p.failed.Add(1)
		return Ack{}, &PublishError{Topic: topic, Err: ErrEmptyText}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		return Ack{}, &PublishError{Topic: topic, Err: fmt.Errorf("failed to encode event: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	p.mu.Lock()
	err = p.broker.Publish(ctx, topic, p.config.QoS, payload)
	p.mu.Unlock()

	if err != nil {
		p.failed.Add(1)
		return Ack{}, &PublishError{Topic: topic, Err: err}
	}

	p.published.Add(1)
	if !p.connected.Load() {
		p.setConnected(true)
	}
	return Ack{Topic: topic, Bytes: len(payload), PublishedAt: time.Now()}, nil
}

// Stats returns publish counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Connected: p.connected.Load(),
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Topic:     p.config.Topic,
	}
}

// Close waits for an in-flight publish and closes the broker connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.broker.Close()
	p.setConnected(false)
	p.logger.Info("Broker connection closed",
		slog.Uint64("published", p.published.Load()),
		slog.Uint64("failed", p.failed.Load()),
	)
}

func (p *Publisher) setConnected(connected bool) {
	p.connected.Store(connected)
	if p.onConnectionChange != nil {
		p.onConnectionChange(connected)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
