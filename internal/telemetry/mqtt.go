// Package telemetry publishes ConnectServer events and periodic status to
// an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/mu-connect/connectserver/internal/config"
	"github.com/mu-connect/connectserver/internal/events"
	"github.com/mu-connect/connectserver/internal/server"
	"github.com/mu-connect/connectserver/internal/util"
)

// Topic suffixes appended to the configured prefix.
const (
	TopicGameServer = "gameserver"
	TopicJoinServer = "joinserver"
	TopicCatalog    = "catalog"
	TopicStatus     = "status"
	TopicAdmin      = "admin"
)

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg    config.MQTTConfig
	srv    *server.Server
	bus    *events.Bus
	client mqtt.Client

	// send delivers one encoded message; it defaults to a QoS 1 publish.
	send func(topic string, data []byte)

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a telemetry handler for srv. It does not connect.
func NewMQTTHandler(cfg config.MQTTConfig, srv *server.Server, bus *events.Bus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg: cfg,
		srv: srv,
		bus: bus,
		metadata: map[string]interface{}{
			"hostname": sysInfo.Hostname,
			"platform": sysInfo.OS,
		},
	}
	h.send = h.mqttPublish

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("connectserver-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("component", "mqtt").Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Str("component", "mqtt").Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects, subscribes to the bus and publishes status every
// StatusInterval until ctx is cancelled. A connect failure is returned;
// the caller treats it as non-fatal.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.Broker).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	interval := time.Duration(h.cfg.StatusInterval) * time.Second
	if interval <= 0 {
		interval = config.DefaultStatusInterval * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown("stopped")
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			h.PublishStatus()
		}
	}
}

func (h *MQTTHandler) subscribeEvents() {
	h.bus.Subscribe(events.EventGameServerOnline, "mqtt.gameServerOnline", h.onGameServer)
	h.bus.Subscribe(events.EventGameServerOffline, "mqtt.gameServerOffline", h.onGameServer)
	h.bus.Subscribe(events.EventJoinServerOnline, "mqtt.joinServerOnline", h.onJoinServer)
	h.bus.Subscribe(events.EventJoinServerOffline, "mqtt.joinServerOffline", h.onJoinServer)
	h.bus.Subscribe(events.EventCatalogReloaded, "mqtt.catalogReloaded", h.onCatalog)
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to prefix/suffix.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", suffix).Msg("failed to marshal MQTT message")
		return
	}
	h.send(h.topic(suffix), data)
}

func (h *MQTTHandler) mqttPublish(topic string, data []byte) {
	if !h.client.IsConnected() {
		return
	}
	token := h.client.Publish(topic, 1, false, data)
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

func (h *MQTTHandler) onGameServer(_ context.Context, event events.Event) error {
	h.publish(TopicGameServer, map[string]interface{}{
		"event":  string(event.Type),
		"server": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onJoinServer(_ context.Context, event events.Event) error {
	h.publish(TopicJoinServer, map[string]interface{}{
		"event":      string(event.Type),
		"joinserver": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onCatalog(_ context.Context, event events.Event) error {
	h.publish(TopicCatalog, event.Payload)
	return nil
}

// PublishStatus sends the periodic status summary.
func (h *MQTTHandler) PublishStatus() {
	st := h.srv.Status()
	h.publish(TopicStatus, map[string]interface{}{
		"clients":       st.Clients,
		"free_slots":    st.FreeSlots,
		"servers_alive": st.Servers.Alive,
		"servers_total": st.Servers.Total,
		"joinserver":    st.JoinServer.Alive,
		"lists_served":  st.Available,
		"cpu_percent":   st.Process.CPUPercent,
		"rss_mb":        st.Process.RSSMB,
	})
}

// PublishShutdown sends a shutdown message to the admin topic.
func (h *MQTTHandler) PublishShutdown(reason string) {
	h.publish(TopicAdmin, map[string]interface{}{
		"event":  "shutdown",
		"reason": reason,
	})
}
