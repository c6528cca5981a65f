package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/health"
)

// ErrNotConnected is returned by Publish while the broker connection is down
var ErrNotConnected = errors.New("not connected to MQTT broker")

// Broker is the part of the paho client the connection manager drives
type Broker interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// MessageHandler is the callback function type for handling MQTT messages
type MessageHandler func(topic string, payload []byte)

// State is the connection state exposed to health reporting
type State struct {
	Connected       bool
	LastError       error
	LastConnectedAt time.Time
}

// Client keeps one logical broker connection alive. It reconnects with backoff
// forever and re-issues every subscription after each connect.
type Client struct {
	cfg      config.MQTTConfig
	broker   Broker
	backoff  *Backoff
	reporter *health.Reporter
	log      zerolog.Logger
	now      func() time.Time

	mu           sync.Mutex
	subs         map[string]MessageHandler
	state        State
	intake       bool
	reconnecting bool
	lostEarly    bool // dropped before the loop that connected had returned
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewClient creates a client backed by paho. Paho's own reconnect is disabled; Client owns the schedule.
func NewClient(cfg config.MQTTConfig, reporter *health.Reporter, log zerolog.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("heatpump-core-%d", time.Now().Unix())
	}

	c := newClient(cfg, nil, reporter, log)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	// callbacks run one at a time so per-topic delivery order reaches the pipeline intact
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.handleConnectionLost(err)
	})

	c.broker = mqtt.NewClient(opts)
	return c, nil
}

func newClient(cfg config.MQTTConfig, broker Broker, reporter *health.Reporter, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		broker:   broker,
		backoff:  NewBackoff(cfg.Backoff),
		reporter: reporter,
		log:      log,
		now:      time.Now,
		subs:     make(map[string]MessageHandler),
		intake:   true,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins connecting in the background. Connect failures are retried with backoff until Shutdown.
func (c *Client) Start() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectLoop(false)
	}()
}

// connectLoop attempts to connect until one attempt succeeds or the client shuts down.
// When wait is true the first attempt is preceded by a backoff delay.
func (c *Client) connectLoop(wait bool) {
	defer func() {
		c.mu.Lock()
		again := c.lostEarly && c.ctx.Err() == nil
		c.lostEarly = false
		c.reconnecting = again
		c.mu.Unlock()

		if again {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.connectLoop(true)
			}()
		}
	}()

	for {
		if wait {
			delay := c.backoff.Next()
			c.log.Info().Dur("delay", delay).Msg("reconnecting to MQTT broker")
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}
			c.reporter.MQTTReconnecting()
		}
		wait = true

		if c.ctx.Err() != nil {
			return
		}

		err := c.connectOnce()
		if err == nil {
			return
		}
		c.recordError(err)
		c.log.Warn().Err(err).Str("broker", c.cfg.Broker).Msg("failed to connect to MQTT broker")
	}
}

func (c *Client) connectOnce() error {
	token := c.broker.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("connection to MQTT broker timed out")
	}
	return token.Error()
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.state.LastError = err
	c.mu.Unlock()
	c.reporter.MQTTError(err)
}

// handleConnect runs after every successful connect and re-issues all subscriptions.
// A failed subscription is logged and retried on the next connect.
func (c *Client) handleConnect() {
	c.backoff.Reset()

	c.mu.Lock()
	c.state.Connected = true
	c.state.LastConnectedAt = c.now().UTC()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	c.reporter.MQTTConnected()
	c.log.Info().Str("broker", c.cfg.Broker).Msg("connected to MQTT broker")

	sort.Strings(topics)
	for _, topic := range topics {
		if err := c.subscribe(topic); err != nil {
			c.recordError(err)
			c.log.Error().Err(err).Str("topic", topic).Msg("failed to subscribe")
		}
	}
}

// handleConnectionLost marks the connection down and schedules a reconnect
func (c *Client) handleConnectionLost(err error) {
	c.reporter.MQTTDisconnected(err)
	c.log.Error().Err(err).Msg("MQTT connection lost")

	c.mu.Lock()
	c.state.Connected = false
	c.state.LastError = err
	alreadyReconnecting := c.reconnecting
	stopping := c.ctx.Err() != nil
	if alreadyReconnecting {
		c.lostEarly = true
	} else if !stopping {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if alreadyReconnecting || stopping {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectLoop(true)
	}()
}

// Subscribe registers handler for topic. The subscription is issued now when connected
// and again after every reconnect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	connected := c.state.Connected
	c.mu.Unlock()

	if !connected {
		c.log.Info().Str("topic", topic).Msg("subscription deferred until connected")
		return nil
	}
	return c.subscribe(topic)
}

func (c *Client) subscribe(topic string) error {
	token := c.broker.Subscribe(topic, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		c.deliver(topic, msg)
	})

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", topic, err)
	}

	c.log.Info().Str("topic", topic).Msg("subscribed to topic")
	return nil
}

func (c *Client) deliver(subscription string, msg mqtt.Message) {
	c.mu.Lock()
	handler, ok := c.subs[subscription]
	intake := c.intake
	c.mu.Unlock()

	if !ok || !intake {
		return
	}
	handler(msg.Topic(), msg.Payload())
}

// Publish sends payload to topic on the current connection
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.State().Connected {
		return ErrNotConnected
	}

	token := c.broker.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	return token.Error()
}

// StopIntake unsubscribes everything and drops deliveries still in flight
func (c *Client) StopIntake() {
	c.mu.Lock()
	c.intake = false
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	connected := c.state.Connected
	c.mu.Unlock()

	if !connected || len(topics) == 0 {
		return
	}

	token := c.broker.Unsubscribe(topics...)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		c.log.Warn().Err(token.Error()).Msg("failed to unsubscribe before shutdown")
	}
}

// Shutdown stops reconnecting and closes the connection
func (c *Client) Shutdown() {
	c.cancel()

	c.mu.Lock()
	connected := c.state.Connected
	c.state.Connected = false
	c.mu.Unlock()

	if connected {
		c.broker.Disconnect(250)
	}
	c.wg.Wait()

	c.reporter.MQTTDisconnected(nil)
	c.log.Info().Msg("disconnected from MQTT broker")
}
