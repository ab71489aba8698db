// Package telemetry publishes session activity from the event bus to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicPeers = "peers"
	TopicChat  = "chat"
	TopicWorld = "world"
	TopicStats = "stats"
	TopicAdmin = "admin"
)

// topicEvents maps each published event type to its topic suffix.
var topicEvents = map[events.EventType]string{
	events.EventPeerConnected:    TopicPeers,
	events.EventPeerDisconnected: TopicPeers,
	events.EventPeerRejected:     TopicPeers,
	events.EventLogin:            TopicPeers,
	events.EventLoginFailed:      TopicPeers,
	events.EventChat:             TopicChat,
	events.EventWorldEdit:        TopicWorld,
	events.EventWorldSaved:       TopicWorld,
	events.EventStats:            TopicStats,
	events.EventConfigChanged:    TopicAdmin,
}

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	hostname string
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"server":      cfg.Server.Hostname,
		"host":        sysInfo.Hostname,
		"platform":    sysInfo.Platform,
		"cpu_cores":   sysInfo.CPUCores,
		"app_version": util.Version,
	}

	handler := &MQTTHandler{
		cfg:      mqttCfg,
		hostname: cfg.Server.Hostname,
		eventBus: eventBus,
		metadata: metadata,
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("voxelnet-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if mqttCfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the MQTT broker and publishes events until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	for t := range topicEvents {
		h.eventBus.Subscribe(t, "mqtt."+string(t), h.onEvent)
	}

	<-ctx.Done()

	for t := range topicEvents {
		h.eventBus.Unsubscribe(t, "mqtt."+string(t))
	}
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	suffix, ok := topicEvents[event.Type]
	if !ok {
		return nil
	}
	h.publish(h.topic(suffix), map[string]interface{}{
		"event":    string(event.Type),
		"source":   event.Source,
		"at":       event.Time.UTC().Format(time.RFC3339Nano),
		"payload":  event.Payload,
		"bus_drop": h.eventBus.Dropped(),
	})
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", h.cfg.TopicPrefix, h.hostname, suffix)
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), map[string]interface{}{
		"event": string(events.EventShutdown),
	})
}
