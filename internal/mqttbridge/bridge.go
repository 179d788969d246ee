// Package mqttbridge accepts reader submissions over MQTT and feeds them through the ingestion gate.
package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nicolasdb/time-tracker-webapp/internal/ingest"
)

// DefaultTopic matches every reader's event topic.
const DefaultTopic = "timetracker/devices/+/events"

// Submitter is the part of the gate the bridge needs.
type Submitter interface {
	SubmitJSON(ctx context.Context, body io.Reader, creds ingest.Credentials) (ingest.Receipt, error)
}

// Config describes the broker connection.
type Config struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Username  string
	Password  string
	QoS       byte
}

// Envelope is the message a reader publishes. Event holds the same JSON
// object the HTTP webhook accepts.
type Envelope struct {
	APIKey string          `json:"api_key"`
	Event  json.RawMessage `json:"event"`
}

// Ack is published back to the reader after every submission.
type Ack struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Option configures optional behaviour for the Bridge.
type Option func(*Bridge)

// WithLogger overrides the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithPublisher replaces the ack publisher, used when no broker client is available.
func WithPublisher(publish func(topic string, payload []byte) error) Option {
	return func(b *Bridge) {
		b.publish = publish
	}
}

// Bridge subscribes to reader topics and acknowledges each message.
type Bridge struct {
	cfg     Config
	gate    Submitter
	logger  *slog.Logger
	client  mqtt.Client
	publish func(topic string, payload []byte) error
}

// NewBridge constructs a Bridge.
func NewBridge(cfg Config, gate Submitter, opts ...Option) *Bridge {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	b := &Bridge{cfg: cfg, gate: gate, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(10 * time.Second)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(b.cfg.Topic, b.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			b.HandleMessage(ctx, msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			b.logger.Error("mqtt subscribe failed", "topic", b.cfg.Topic, "error", token.Error())
			return
		}
		b.logger.Info("mqtt bridge subscribed", "topic", b.cfg.Topic, "broker", b.cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	if b.publish == nil {
		b.publish = b.publishToBroker
	}
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	<-ctx.Done()
	b.client.Disconnect(250)
	b.logger.Info("mqtt bridge stopped")
	return nil
}

func (b *Bridge) publishToBroker(topic string, payload []byte) error {
	token := b.client.Publish(topic, b.cfg.QoS, false, payload)
	token.Wait()
	return token.Error()
}

// HandleMessage submits one envelope and publishes its ack.
func (b *Bridge) HandleMessage(ctx context.Context, topic string, payload []byte) {
	ackTopic, ack := b.handle(ctx, topic, payload)
	messagesTotal.WithLabelValues(ack.Status).Inc()
	if ackTopic == "" || b.publish == nil {
		return
	}

	body, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("encode mqtt ack", "error", err)
		return
	}
	if err := b.publish(ackTopic, body); err != nil {
		ackFailures.Inc()
		b.logger.Warn("mqtt ack publish failed", "topic", ackTopic, "error", err)
	}
}

func (b *Bridge) handle(ctx context.Context, topic string, payload []byte) (string, Ack) {
	device, ok := deviceFromTopic(topic)
	if !ok {
		b.logger.Warn("mqtt message on unexpected topic", "topic", topic)
		return "", Ack{Status: "rejected", Code: string(ingest.CodeInvalidPayload), Reason: "unexpected_topic"}
	}
	ackTopic := AckTopic(device)

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("mqtt payload decode failed", "topic", topic, "error", err)
		return ackTopic, Ack{Status: "rejected", Code: string(ingest.CodeInvalidPayload), Reason: ingest.ReasonMalformedBody, Field: "body"}
	}

	creds := ingest.Credentials{Key: strings.TrimSpace(env.APIKey), Source: ingest.SourceMQTT}
	receipt, err := b.gate.SubmitJSON(ctx, bytes.NewReader(env.Event), creds)
	if err != nil {
		return ackTopic, rejection(err)
	}
	return ackTopic, Ack{Status: "accepted", EventID: receipt.EventID}
}

func rejection(err error) Ack {
	ingestErr, ok := ingest.AsError(err)
	if !ok {
		return Ack{Status: "rejected", Code: string(ingest.CodeUnavailable), Retryable: true}
	}
	ack := Ack{
		Status:    "rejected",
		Code:      string(ingestErr.Code),
		Reason:    ingestErr.Reason,
		Field:     ingestErr.Field,
		Retryable: ingestErr.Retryable(),
	}
	if errors.Is(err, context.DeadlineExceeded) {
		ack.Retryable = true
	}
	return ack
}

// AckTopic is where acknowledgements for device are published.
func AckTopic(device string) string {
	return "timetracker/devices/" + device + "/ack"
}

// deviceFromTopic extracts <device> from timetracker/devices/<device>/events.
func deviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "timetracker" || parts[1] != "devices" || parts[3] != "events" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
