// Package bus connects roastd to the MQTT message bus: inbound telemetry
// envelopes on roaster/{org}/{site}/{machine}/telemetry, outbound inferred
// events on roaster/{org}/{site}/{machine}/events.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/domain"
	"github.com/roast-network/roastd/internal/security"
)

// Topic patterns.
const (
	telemetryFilter = "roaster/+/+/+/telemetry"
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
)

// Config controls the bus connection.
type Config struct {
	URL      string
	ClientID string
	QoS      byte
}

// Connector is the MQTT adapter. It implements domain.EventPublisher for
// the inference engine's outbound events.
type Connector struct {
	client mqtt.Client
	cfg    Config
	log    *zap.Logger

	signer      *security.Keypair // nil when signing is off
	signingMode string
}

// NewConnector builds an MQTT connector. The signer, when present, signs
// every outbound envelope.
func NewConnector(cfg Config, signer *security.Keypair, signingMode string, log *zap.Logger) *Connector {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	}
	return &Connector{
		client:      mqtt.NewClient(opts),
		cfg:         cfg,
		log:         log,
		signer:      signer,
		signingMode: signingMode,
	}
}

// Connect establishes the broker connection.
func (c *Connector) Connect(ctx context.Context) error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", c.cfg.URL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", c.cfg.URL, err)
	}
	c.log.Info("connected to mqtt broker", zap.String("url", c.cfg.URL))
	return nil
}

// Close disconnects from the broker, allowing in-flight work to drain.
func (c *Connector) Close() {
	c.client.Disconnect(250)
}

// Connected reports broker connectivity; feeds the health checker.
func (c *Connector) Connected() bool {
	return c.client.IsConnectionOpen()
}

// SubscribeTelemetry routes every inbound telemetry envelope to handler.
// Malformed messages are dropped with a warning — the stream stays alive.
func (c *Connector) SubscribeTelemetry(handler func(ctx context.Context, env domain.Envelope)) error {
	token := c.client.Subscribe(telemetryFilter, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			c.log.Warn("dropping malformed envelope",
				zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		if !env.Origin.Valid() {
			if key, err := ParseTopic(msg.Topic()); err == nil {
				env.Origin = key
			}
		}
		handler(context.Background(), env)
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt subscribe %s timed out", telemetryFilter)
	}
	return token.Error()
}

// PublishEvent wraps a roast event in an envelope and publishes it on the
// machine's events topic.
func (c *Connector) PublishEvent(ctx context.Context, key domain.MachineKey, ev domain.RoastEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	env := domain.Envelope{
		TS:      ev.TS.Format(time.RFC3339),
		Origin:  key,
		Topic:   domain.TopicEvent,
		Payload: payload,
	}
	if c.signingMode == security.ModeEd25519 && c.signer != nil {
		if err := c.signer.SignEnvelope(&env); err != nil {
			return fmt.Errorf("sign event envelope: %w", err)
		}
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	token := c.client.Publish(EventTopic(key), c.cfg.QoS, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", EventTopic(key))
	}
	return token.Error()
}

// ─── Topic Codec ────────────────────────────────────────────────────────────

// TelemetryTopic builds a machine's telemetry topic.
func TelemetryTopic(key domain.MachineKey) string {
	return fmt.Sprintf("roaster/%s/%s/%s/telemetry", key.OrgID, key.SiteID, key.MachineID)
}

// EventTopic builds a machine's events topic.
func EventTopic(key domain.MachineKey) string {
	return fmt.Sprintf("roaster/%s/%s/%s/events", key.OrgID, key.SiteID, key.MachineID)
}

// ParseTopic extracts the machine key from a roaster/{org}/{site}/{machine}/…
// topic.
func ParseTopic(topic string) (domain.MachineKey, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "roaster" {
		return domain.MachineKey{}, fmt.Errorf("topic %q does not match roaster/{org}/{site}/{machine}/…", topic)
	}
	key := domain.MachineKey{OrgID: parts[1], SiteID: parts[2], MachineID: parts[3]}
	if !key.Valid() {
		return domain.MachineKey{}, fmt.Errorf("topic %q has empty machine key component", topic)
	}
	return key, nil
}
