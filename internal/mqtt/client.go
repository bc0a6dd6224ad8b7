// Package mqtt delivers the meter documents to the broker. Producers enqueue
// into per-topic bounded FIFOs with duplicate suppression; a single worker
// owns the broker connection and drains the queues with QoS 1 retained
// publishes. Connectivity is managed by the MQTT library's own reconnect
// machinery; the worker only reacts to the connected flag.
package mqtt

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/lifecycle"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Topic helpers for the three documents published under the base topic.
func ValuesTopic(base string) string       { return base + "/values" }
func DeviceTopic(base string) string       { return base + "/device" }
func AvailabilityTopic(base string) string { return base + "/availability" }

// OptsFromConfig builds the paho client options: broker address,
// credentials, the reconnect-delay policy and a retained last-will on the
// availability topic.
func OptsFromConfig(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(fmt.Sprintf("obisbridge_%d", rand.Intn(1000)))
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ReconnectDelay.MinDelay())
	if cfg.ReconnectDelay.Exponential {
		opts.SetMaxReconnectInterval(cfg.ReconnectDelay.MaxDelay())
	} else {
		opts.SetMaxReconnectInterval(cfg.ReconnectDelay.MinDelay())
	}
	opts.SetWill(AvailabilityTopic(cfg.Topic), "disconnected", 1, true)
	return opts
}

type Client struct {
	cfg config.MQTTConfig
	lc  *lifecycle.Handler
	log *zap.Logger
	cli pahomqtt.Client

	connected atomic.Bool

	// guards the queues, hashes and drop counters
	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[string][]string
	lastHash map[string]uint64
	dropped  map[string]uint64

	published    uint64
	droppedTotal uint64

	wg sync.WaitGroup
}

// New creates the client, starts the async broker connection and the drain
// worker.
func New(cfg config.MQTTConfig, lc *lifecycle.Handler, log *zap.Logger) *Client {
	c := &Client{
		cfg:      cfg,
		lc:       lc,
		log:      log.Named("mqtt"),
		queues:   make(map[string][]string),
		lastHash: make(map[string]uint64),
		dropped:  make(map[string]uint64),
	}
	c.cond = sync.NewCond(&c.mu)

	bridgePahoLogs(c.log)

	opts := OptsFromConfig(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.connected.Store(true)
		c.log.Info("MQTT connected")
		c.cond.Broadcast()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.connected.Store(false)
		c.log.Warn("MQTT disconnected unexpectedly, will retry", zap.Error(err))
	})
	c.cli = pahomqtt.NewClient(opts)

	// async connect; retries are handled by the library
	c.cli.Connect()

	// wake the worker when shutdown is requested
	go func() {
		<-lc.Done()
		c.cond.Broadcast()
	}()

	c.wg.Add(1)
	go c.run()
	return c
}

// Publish enqueues one message. A payload identical to the last one enqueued
// for the topic is dropped silently; a full queue drops its oldest entry.
func (c *Client) Publish(payload, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := payloadHash(payload)
	if last, ok := c.lastHash[topic]; ok && last == h {
		return
	}
	c.lastHash[topic] = h

	q := c.queues[topic]
	if len(q) >= c.cfg.QueueSize {
		q = q[1:]
		c.dropped[topic]++
		atomic.AddUint64(&c.droppedTotal, 1)
	}
	c.queues[topic] = append(q, payload)

	if !c.connected.Load() {
		if c.dropped[topic] > 0 {
			c.log.Warn("MQTT queue full, dropped oldest message",
				zap.String("topic", topic),
				zap.Uint64("total_dropped", c.dropped[topic]))
		} else {
			c.log.Debug("waiting for MQTT connection",
				zap.Int("cached", len(c.queues[topic])),
				zap.String("topic", topic))
		}
	}

	c.cond.Signal()
}

// Stats reports delivered and dropped message totals.
func (c *Client) Stats() (published, dropped uint64) {
	return atomic.LoadUint64(&c.published), atomic.LoadUint64(&c.droppedTotal)
}

// Close joins the worker, flushes whatever the producers enqueued up to the
// shutdown and disconnects from the broker.
func (c *Client) Close() {
	c.wg.Wait()
	if c.connected.Load() {
		c.mu.Lock()
		flush := c.hasQueuedLocked()
		c.mu.Unlock()
		if flush {
			c.log.Debug("shutdown detected, flushing remaining messages")
			c.drainAll()
		}
		c.cli.Disconnect(250)
		c.log.Info("MQTT disconnected")
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		for !(c.connected.Load() && c.hasQueuedLocked()) && c.lc.Running() {
			c.cond.Wait()
		}
		c.mu.Unlock()

		// the final flush happens in Close, after the producers emitted
		// their last messages
		if !c.lc.Running() {
			break
		}

		c.drainAll()
	}

	c.log.Debug("MQTT run loop stopped")
}

func (c *Client) hasQueuedLocked() bool {
	for _, q := range c.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

func (c *Client) drainAll() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.queues))
	for topic := range c.queues {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		c.drainTopic(topic)
	}
}

// drainTopic publishes the topic queue head by head. On failure the head
// stays queued and the worker goes back to waiting; the connectivity
// callbacks will wake it again.
func (c *Client) drainTopic(topic string) {
	for c.connected.Load() {
		c.mu.Lock()
		q := c.queues[topic]
		if len(q) == 0 {
			c.mu.Unlock()
			return
		}
		payload := q[0]
		c.mu.Unlock()

		token := c.cli.Publish(topic, 1, true, payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			c.log.Error("MQTT publish failed",
				zap.String("topic", topic), zap.Error(token.Error()))
			return
		}

		c.mu.Lock()
		// only the worker pops, so the head is still ours
		c.queues[topic] = c.queues[topic][1:]
		c.dropped[topic] = 0
		c.mu.Unlock()

		atomic.AddUint64(&c.published, 1)
		c.log.Debug("published MQTT message",
			zap.String("topic", topic), zap.String("payload", payload))
	}
}

func payloadHash(payload string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(payload))
	return h.Sum64()
}

var pahoLogsOnce sync.Once

// bridgePahoLogs maps the library's package-level loggers onto zap.
func bridgePahoLogs(log *zap.Logger) {
	pahoLogsOnce.Do(func() {
		s := log.WithOptions(zap.AddCallerSkip(1)).Sugar()
		pahomqtt.CRITICAL = pahoLogger{s.Errorf, s.Error}
		pahomqtt.ERROR = pahoLogger{s.Errorf, s.Error}
		pahomqtt.WARN = pahoLogger{s.Warnf, s.Warn}
		pahomqtt.DEBUG = pahoLogger{s.Debugf, s.Debug}
	})
}

type pahoLogger struct {
	printf  func(string, ...interface{})
	println func(...interface{})
}

func (l pahoLogger) Printf(format string, v ...interface{}) { l.printf(format, v...) }
func (l pahoLogger) Println(v ...interface{})               { l.println(v...) }
