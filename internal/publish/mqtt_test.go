package publish

import (
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reconnectingClient is a paho client stuck in its reconnect loop.
type reconnectingClient struct {
	mqtt.Client
	disconnects []uint
}

func (c *reconnectingClient) IsConnected() bool { return false }

func (c *reconnectingClient) Disconnect(quiesce uint) {
	c.disconnects = append(c.disconnects, quiesce)
}

func TestMQTTBrokerCloseStopsReconnecting(t *testing.T) {
	client := &reconnectingClient{}
	b := &MQTTBroker{client: client}

	b.Close()

	require.Len(t, client.disconnects, 1)
	assert.Equal(t, uint(250), client.disconnects[0])
}

func TestMQTTBrokerCloseNeverConnected(t *testing.T) {
	b := NewMQTTBroker(MQTTConfig{Host: "127.0.0.1", Port: 1})
	assert.NotPanics(t, b.Close)
}
