package events

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// stalledToken never completes until release is closed, like a publish
// stuck behind a wedged broker.
type stalledToken struct {
	release chan struct{}
}

func (t *stalledToken) Wait() bool {
	<-t.release
	return true
}

func (t *stalledToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.release:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *stalledToken) Done() <-chan struct{} { return t.release }
func (t *stalledToken) Error() error          { return nil }

type fakeMQTTClient struct {
	token     mqtt.Token
	published []string
}

func (c *fakeMQTTClient) Connect() mqtt.Token     { return c.token }
func (c *fakeMQTTClient) Disconnect(quiesce uint) {}
func (c *fakeMQTTClient) IsConnected() bool       { return true }
func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, topic)
	return c.token
}

func TestMQTTSinkEmitDoesNotBlockOnBroker(t *testing.T) {
	token := &stalledToken{release: make(chan struct{})}
	client := &fakeMQTTClient{token: token}
	sink := NewMQTTSink(client, "", nil)

	start := time.Now()
	sink.Emit(Event{Kind: KindGenerationComplete, RunID: "run-1"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Emit took %v, must return without waiting for the broker", elapsed)
	}

	if len(client.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.published))
	}
	if want := "darwin/events/" + string(KindGenerationComplete); client.published[0] != want {
		t.Errorf("topic = %s, want %s", client.published[0], want)
	}

	close(token.release)
}

func TestMQTTSinkSkipsDisconnectedClient(t *testing.T) {
	token := &stalledToken{release: make(chan struct{})}
	client := &disconnectedClient{fakeMQTTClient{token: token}}
	sink := NewMQTTSink(client, "", nil)

	sink.Emit(Event{Kind: KindGenerationStart})
	if len(client.published) != 0 {
		t.Errorf("published %d messages while disconnected, want 0", len(client.published))
	}
}

type disconnectedClient struct {
	fakeMQTTClient
}

func (c *disconnectedClient) IsConnected() bool { return false }
