package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig describes how to reach the MQTT broker.
type MQTTConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// MQTTBroker adapts a paho MQTT client to the Broker interface.
type MQTTBroker struct {
	client mqtt.Client

	mu           sync.RWMutex
	onDisconnect func(error)
}

// NewMQTTBroker creates an unconnected broker client.
func NewMQTTBroker(cfg MQTTConfig) *MQTTBroker {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "esp32-audio-stream-" + uuid.NewString()[:8]
	}

	b := &MQTTBroker{}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.mu.RLock()
			fn := b.onDisconnect
			b.mu.RUnlock()
			if fn != nil {
				fn(err)
			}
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect implements Broker.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	return waitToken(ctx, b.client.Connect())
}

// Publish implements Broker.
func (b *MQTTBroker) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return waitToken(ctx, b.client.Publish(topic, qos, false, payload))
}

// OnDisconnect implements Broker.
func (b *MQTTBroker) OnDisconnect(fn func(err error)) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

// Close implements Broker. It also stops a pending auto-reconnect, so it
// does not check IsConnected first.
func (b *MQTTBroker) Close() {
	b.client.Disconnect(250)
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
