package events

import (
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the sink uses.
// This allows us to mock MQTT calls in tests.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTSink publishes every event to <prefix>/<kind> at QoS 0. It is a
// best-effort mirror: publish failures are logged and never surfaced to
// the generation loop.
type MQTTSink struct {
	client  MQTTClient
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTTSink wraps a connected client. prefix defaults to "darwin/events".
func NewMQTTSink(client MQTTClient, prefix string, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "darwin/events"
	}
	return &MQTTSink{
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "mqtt-sink"),
	}
}

// Emit implements Sink.
func (s *MQTTSink) Emit(e Event) {
	if !s.client.IsConnected() {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to marshal event", "kind", e.Kind, "error", err)
		return
	}

	token := s.client.Publish(s.prefix+"/"+string(e.Kind), 0, false, data)
	// Fire-and-forget at QoS 0: the ack wait happens off the caller's
	// goroutine so a wedged broker cannot stall the generation loop.
	go func() {
		if !token.WaitTimeout(s.timeout) {
			s.logger.Warn("mqtt publish timed out", "kind", e.Kind)
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Warn("mqtt publish failed", "kind", e.Kind, "error", err)
		}
	}()
}

// Close disconnects the underlying client.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}

// NewMQTTClient builds a default paho client for the given broker URL.
func NewMQTTClient(brokerURL, clientID, username, password string) MQTTClient {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	return mqtt.NewClient(opts)
}
