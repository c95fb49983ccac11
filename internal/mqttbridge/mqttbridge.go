// Package mqttbridge publishes every Channel Bus notification onto an
// MQTT topic, so external automation systems can react to the same
// fan-out events a WebSocket subscriber would see. It uses the
// autopaho/paho connection manager for the broker connection.
package mqttbridge

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

	"github.com/sideboard/sideboard/internal/channelbus"
	"github.com/sideboard/sideboard/internal/config"
)

// Bridge forwards local notifications to an MQTT broker by registering
// itself as a local Channel Bus subscriber on each channel passed to
// RegisterChannel. Channels never passed to RegisterChannel are not
// forwarded.
type Bridge struct {
	cfg    config.MQTTConfig
	bus    *channelbus.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	seen map[string]struct{}
}

// New builds a Bridge but does not connect. Call Start to dial the
// broker; Stop to disconnect.
func New(cfg config.MQTTConfig, bus *channelbus.Bus, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("mqttbridge: broker not configured")
	}
	return &Bridge{cfg: cfg, bus: bus, logger: logger, seen: map[string]struct{}{}}, nil
}

// Start connects to the broker, waiting up to 10 seconds for the
// first connection before leaving autopaho to keep retrying in the
// background. It registers no channels; RegisterChannel does that.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqttbridge: parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt bridge connected", "broker", b.cfg.Broker)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt bridge connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt bridge connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt bridge initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// RegisterChannel wires channel's local notifications onto
// "<topic>/<channel>". Safe to call repeatedly; each channel is wired
// at most once.
func (b *Bridge) RegisterChannel(channel string) {
	if _, ok := b.seen[channel]; ok {
		return
	}
	b.seen[channel] = struct{}{}

	b.bus.RegisterLocal([]string{channel}, func(trigger, originatingClient string) {
		b.publish(channel, trigger, originatingClient)
	})
}

func (b *Bridge) publish(channel, trigger, originatingClient string) {
	if b.cm == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"trigger":            trigger,
		"originating_client": originatingClient,
	})
	if err != nil {
		b.logger.Warn("mqtt bridge: failed to encode payload", "channel", channel, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.Topic + "/" + channel,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Warn("mqtt bridge: publish failed", "channel", channel, "error", err)
	}
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() {
	if b.cm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.cm.Disconnect(ctx)
}
