package mqttbridge

import (
	"testing"

	"github.com/sideboard/sideboard/internal/channelbus"
	"github.com/sideboard/sideboard/internal/config"
)

func TestNewRequiresConfiguredBroker(t *testing.T) {
	bus := channelbus.New()
	_, err := New(config.MQTTConfig{Enabled: true}, bus, nil)
	if err == nil {
		t.Fatal("expected error for unconfigured broker")
	}
}

func TestNewSucceedsWhenConfigured(t *testing.T) {
	bus := channelbus.New()
	b, err := New(config.MQTTConfig{Enabled: true, Broker: "tcp://localhost:1883", Topic: "sideboard"}, bus, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b == nil {
		t.Fatal("expected non-nil bridge")
	}
}

func TestRegisterChannelIsIdempotent(t *testing.T) {
	bus := channelbus.New()
	b, err := New(config.MQTTConfig{Enabled: true, Broker: "tcp://localhost:1883", Topic: "sideboard"}, bus, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b.RegisterChannel("names")
	b.RegisterChannel("names")

	if len(bus.LocalSubscribers([]string{"names"})) != 1 {
		t.Fatalf("expected exactly one local subscriber registered for repeated RegisterChannel calls")
	}
}
