// Package mqtt exposes the agent on an MQTT broker: commands arrive on
// one topic, answers go out on another, availability is tracked with a
// retained LWT.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/vesperhq/vesper/internal/agent"
	"github.com/vesperhq/vesper/internal/reasoning"
)

// Agent is the slice of the agent loop the channel needs.
type Agent interface {
	HandleTurn(ctx context.Context, turn *agent.Turn, callback reasoning.StreamCallback) (*agent.Result, error)
}

// Config holds broker and topic settings.
type Config struct {
	Broker     string // e.g. "mqtt://broker:1883" or "mqtts://..."
	Username   string
	Password   string
	DeviceName string // topic segment, e.g. "vesper"

	// RateLimit caps inbound commands per minute; excess is dropped.
	// Zero means the default of 60.
	RateLimit int64
}

// Channel is the MQTT adapter.
type Channel struct {
	cfg    Config
	agent  Agent
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	limit  *rateLimiter
}

// New creates the channel but does not connect.
func New(cfg Config, a Agent, logger *slog.Logger) *Channel {
	if cfg.DeviceName == "" {
		cfg.DeviceName = "vesper"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		agent:  a,
		logger: logger,
		limit:  newRateLimiter(cfg.RateLimit, time.Minute, logger),
	}
}

func (c *Channel) commandTopic() string {
	return c.cfg.DeviceName + "/command"
}

func (c *Channel) responseTopic() string {
	return c.cfg.DeviceName + "/response"
}

func (c *Channel) availabilityTopic() string {
	return c.cfg.DeviceName + "/availability"
}

// Start connects and blocks until ctx is cancelled. autopaho handles
// reconnects; on every (re-)connect the command subscription and the
// online availability message are re-established.
func (c *Channel) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	go c.limit.run(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "broker", c.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: c.commandTopic(), QoS: 1},
				},
			}); err != nil {
				c.logger.Error("mqtt subscribe failed", "topic", c.commandTopic(), "error", err)
			}
			c.publish(ctx, cm, c.availabilityTopic(), []byte("online"), true)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "vesper-" + c.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.onCommand(ctx, pr.Packet)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes offline availability and disconnects.
func (c *Channel) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.publish(ctx, c.cm, c.availabilityTopic(), []byte("offline"), true)
	return c.cm.Disconnect(ctx)
}

// command is the inbound payload. A bare-text payload is also
// accepted and treated as {"text": payload}.
type command struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

// response is the outbound payload.
type response struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (c *Channel) onCommand(ctx context.Context, pkt *paho.Publish) {
	if pkt.Topic != c.commandTopic() {
		return
	}
	if !c.limit.allow() {
		return
	}

	var cmd command
	if err := json.Unmarshal(pkt.Payload, &cmd); err != nil {
		cmd = command{Text: string(pkt.Payload)}
	}
	if cmd.Text == "" {
		return
	}

	// Turns run off the broker's read loop so a slow answer cannot
	// stall inbound traffic.
	go c.runTurn(ctx, &cmd)
}

func (c *Channel) runTurn(ctx context.Context, cmd *command) {
	turn := &agent.Turn{
		SessionID: cmd.SessionID,
		Channel:   "mqtt",
		Text:      cmd.Text,
	}

	result, err := c.agent.HandleTurn(ctx, turn, nil)
	if err != nil {
		c.logger.Error("mqtt turn failed", "error", err)
		c.respond(ctx, response{SessionID: cmd.SessionID, Error: err.Error()})
		return
	}

	c.respond(ctx, response{
		SessionID: result.SessionID,
		Text:      result.Text,
		Truncated: result.Truncated,
	})
}

func (c *Channel) respond(ctx context.Context, r response) {
	payload, err := json.Marshal(r)
	if err != nil {
		c.logger.Error("encode mqtt response", "error", err)
		return
	}
	c.publish(ctx, c.cm, c.responseTopic(), payload, false)
}

func (c *Channel) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, retain bool) {
	if cm == nil {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		c.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}
