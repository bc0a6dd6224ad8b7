package mqtt

import (
	"fmt"
	"sync"
	"testing"

	"obisbridge/internal/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// newQueueOnlyClient builds a client around the queueing state alone, without
// a broker connection or worker.
func newQueueOnlyClient(queueSize int) *Client {
	c := &Client{
		cfg:      config.MQTTConfig{Topic: "meter", QueueSize: queueSize},
		log:      zap.NewNop(),
		queues:   make(map[string][]string),
		lastHash: make(map[string]uint64),
		dropped:  make(map[string]uint64),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Client) queued(topic string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queues[topic]...)
}

func TestDuplicateSuppression(t *testing.T) {
	assert := assert.New(t)
	c := newQueueOnlyClient(10)

	c.Publish(`{"power":259.2}`, "meter/values")
	c.Publish(`{"power":259.2}`, "meter/values")
	c.Publish(`{"power":259.2}`, "meter/values")

	assert.Len(c.queued("meter/values"), 1, "identical payloads enqueue once")

	c.Publish(`{"power":260.0}`, "meter/values")
	assert.Len(c.queued("meter/values"), 2)
}

func TestDuplicateSuppressionIsPerTopic(t *testing.T) {
	assert := assert.New(t)
	c := newQueueOnlyClient(10)

	c.Publish("connected", "meter/availability")
	c.Publish("connected", "meter/values")

	assert.Len(c.queued("meter/availability"), 1)
	assert.Len(c.queued("meter/values"), 1)
}

func TestQueueFullDropsOldest(t *testing.T) {
	assert := assert.New(t)
	c := newQueueOnlyClient(3)

	for i := 0; i < 5; i++ {
		c.Publish(fmt.Sprintf("payload-%d", i), "meter/values")
	}

	q := c.queued("meter/values")
	assert.Equal([]string{"payload-2", "payload-3", "payload-4"}, q,
		"oldest messages drop first")

	_, dropped := c.Stats()
	assert.Equal(uint64(2), dropped)
}

func TestDropCounterPerTopic(t *testing.T) {
	assert := assert.New(t)
	c := newQueueOnlyClient(1)

	c.Publish("a", "meter/values")
	c.Publish("b", "meter/values")
	c.Publish("x", "meter/device")

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(uint64(1), c.dropped["meter/values"])
	assert.Equal(uint64(0), c.dropped["meter/device"])
}

func TestHasQueued(t *testing.T) {
	assert := assert.New(t)
	c := newQueueOnlyClient(5)

	c.mu.Lock()
	assert.False(c.hasQueuedLocked())
	c.mu.Unlock()

	c.Publish("a", "meter/values")

	c.mu.Lock()
	assert.True(c.hasQueuedLocked())
	c.mu.Unlock()
}

func TestTopicHelpers(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("meter/values", ValuesTopic("meter"))
	assert.Equal("meter/device", DeviceTopic("meter"))
	assert.Equal("meter/availability", AvailabilityTopic("meter"))
}

func TestOptsFromConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := config.MQTTConfig{
		Broker:    "broker.local",
		Port:      1883,
		Topic:     "meter",
		User:      "u",
		Password:  "p",
		QueueSize: 10,
		ReconnectDelay: config.ReconnectDelayConfig{
			Min: 5, Max: 300, Exponential: true,
		},
	}
	opts := OptsFromConfig(cfg)

	assert.Equal("u", opts.Username)
	assert.Equal("p", opts.Password)
	assert.Equal("meter/availability", opts.WillTopic)
	assert.Equal([]byte("disconnected"), opts.WillPayload)
	assert.True(opts.WillRetained)
	assert.Equal(cfg.ReconnectDelay.MinDelay(), opts.ConnectRetryInterval)
	assert.Equal(cfg.ReconnectDelay.MaxDelay(), opts.MaxReconnectInterval)
}
