package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/events"
)

func newTestHandler(t *testing.T) *MQTTHandler {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.Hostname = "cave"
	cfg.MQTT.Enabled = true

	h, err := NewMQTTHandler(cfg, events.NewEventBus())
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.DefaultConfig(), events.NewEventBus()); err == nil {
		t.Fatal("expected an error for disabled MQTT")
	}
}

func TestTopic(t *testing.T) {
	h := newTestHandler(t)
	if got := h.topic(TopicChat); got != "voxelnet/cave/chat" {
		t.Fatalf("topic = %q", got)
	}
}

func TestBuildMessage(t *testing.T) {
	h := newTestHandler(t)

	msg := h.buildMessage(events.ChatPayload{From: 3, Recipient: 0xFFFF, Text: "3: hi"})
	if msg["server"] != "cave" || msg["timestamp"] == "" {
		t.Fatalf("metadata missing: %v", msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Payload events.ChatPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Payload.Text != "3: hi" {
		t.Fatalf("payload = %+v", decoded.Payload)
	}
}

func TestEveryTopicEventIsKnown(t *testing.T) {
	for typ, suffix := range topicEvents {
		switch suffix {
		case TopicPeers, TopicChat, TopicWorld, TopicStats:
		default:
			t.Errorf("%s maps to unexpected topic %q", typ, suffix)
		}
	}
}
