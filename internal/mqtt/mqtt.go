// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher
// (no-op) and a full HAPublisher that connects to an MQTT broker, publishes
// HA auto-discovery configs per discovered channel, relays off-delay
// changes into the channel store, and forwards state transitions from the
// event bus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/trymwestin/hikd/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends channel states and discovery configs to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	DeviceName  string `yaml:"device_name"`
}

// ---------------------------------------------------------------------------
// ChannelReader / DelayWriter – abstractions over the hub and the store
// ---------------------------------------------------------------------------

// ChannelReader provides read access to channel states without importing
// the hub type directly.
type ChannelReader interface {
	ChannelIDs() []int
	Channel(channelID int) (state.Snapshot, bool)
	Connected() bool
}

// DelayWriter persists operator-initiated off-delay changes.
type DelayWriter interface {
	SetOffDelay(channelID, seconds int) error
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs for every
// channel (binary sensors for motion/human/vehicle, a number entity for
// the off-delay), subscribes to the off-delay command topic, and forwards
// transitions from the event bus.
type HAPublisher struct {
	cfg    Config
	hub    ChannelReader
	delays DelayWriter
	bus    *state.Bus
	log    *slog.Logger

	client pahomqtt.Client

	mu         sync.Mutex
	discovered map[int]bool

	unsub func() // bus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, hub ChannelReader, delays DelayWriter, bus *state.Bus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:        cfg,
		hub:        hub,
		delays:     delays,
		bus:        bus,
		log:        log,
		discovered: make(map[int]bool),
		stopC:      make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs for all
// known channels, subscribes to command topics, and starts listening on
// the event bus for real-time updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		// Random suffix so a restarting daemon doesn't fight its old
		// session for the client id.
		SetClientID(fmt.Sprintf("hikd-%s-%s", p.cfg.DeviceID, uuid.NewString()[:8])).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publish(p.topic("status"), "online", true)

	// 2. Publish discovery configs for all channels seen so far.
	p.mu.Lock()
	p.discovered = make(map[int]bool)
	p.mu.Unlock()
	for _, channelID := range p.hub.ChannelIDs() {
		p.ensureChannelDiscovery(channelID)
	}

	// 3. Subscribe to the off-delay command topic (one wildcard sub
	// covers every channel).
	token := p.client.Subscribe(p.topic("channel/+/off_delay/set"), 1, p.handleOffDelayCmd)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "error", err)
	}

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.mu.Lock()
			p.discovered = make(map[int]bool)
			p.mu.Unlock()
			p.publishFullState()
		}
	})

	// 5. Publish the current state snapshot.
	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// deviceInfo returns the shared HA device block.
func (p *HAPublisher) deviceInfo() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{p.cfg.DeviceID},
		"name":         p.cfg.DeviceName,
		"manufacturer": "Hikvision",
		"model":        "ISAPI Event Source",
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

// ensureChannelDiscovery publishes discovery configs for one channel the
// first time it is seen on this broker connection.
func (p *HAPublisher) ensureChannelDiscovery(channelID int) {
	p.mu.Lock()
	if p.discovered[channelID] {
		p.mu.Unlock()
		return
	}
	p.discovered[channelID] = true
	p.mu.Unlock()

	dev := p.deviceInfo()
	avail := map[string]interface{}{
		"topic": p.topic("status"),
	}
	id := p.cfg.DeviceID

	for _, sig := range state.SignalTypes {
		payload := map[string]interface{}{
			"name":         fmt.Sprintf("%s CH%d %s", p.cfg.DeviceName, channelID, titleCase(string(sig))),
			"unique_id":    fmt.Sprintf("%s_ch%d_%s", id, channelID, sig),
			"state_topic":  p.channelTopic(channelID, fmt.Sprintf("%s/state", sig)),
			"payload_on":   "ON",
			"payload_off":  "OFF",
			"device":       dev,
			"availability": avail,
		}
		payload["json_attributes_topic"] = p.channelTopic(channelID, "attributes")
		if sig == state.SignalMotion {
			payload["device_class"] = "motion"
		} else {
			payload["device_class"] = "occupancy"
		}
		p.publishDiscoveryConfig("binary_sensor", fmt.Sprintf("ch%d_%s", channelID, sig), payload)
	}

	p.publishDiscoveryConfig("number", fmt.Sprintf("ch%d_off_delay", channelID), map[string]interface{}{
		"name":                fmt.Sprintf("%s CH%d Off Delay", p.cfg.DeviceName, channelID),
		"unique_id":           fmt.Sprintf("%s_ch%d_off_delay", id, channelID),
		"state_topic":         p.channelTopic(channelID, "off_delay/state"),
		"command_topic":       p.channelTopic(channelID, "off_delay/set"),
		"min":                 state.MinOffDelaySeconds,
		"max":                 state.MaxOffDelaySeconds,
		"step":                1,
		"mode":                "box",
		"unit_of_measurement": "s",
		"device":              dev,
		"availability":        avail,
	})
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, p.cfg.DeviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command handling
// ---------------------------------------------------------------------------

func (p *HAPublisher) handleOffDelayCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	channelID, ok := channelFromTopic(msg.Topic())
	if !ok {
		p.log.Error("off_delay command on unparseable topic", "topic", msg.Topic())
		return
	}

	raw := strings.TrimSpace(string(msg.Payload()))
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		// HA number entities may send float payloads.
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			p.log.Error("invalid off_delay value", "payload", raw, "error", err)
			return
		}
		seconds = int(f)
	}

	seconds = state.ClampOffDelay(seconds)
	p.log.Info("MQTT command: off_delay", "channel", channelID, "seconds", seconds)
	if err := p.delays.SetOffDelay(channelID, seconds); err != nil {
		p.log.Error("failed to persist off_delay", "channel", channelID, "error", err)
		return
	}
	p.publish(p.channelTopic(channelID, "off_delay/state"), strconv.Itoa(seconds), true)
}

// channelFromTopic extracts N from ".../channel/N/off_delay/set".
func channelFromTopic(topic string) (int, bool) {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "channel" && i+1 < len(parts) {
			id, err := strconv.Atoi(parts[i+1])
			return id, err == nil && id > 0
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState publishes every known channel's complete state.
func (p *HAPublisher) publishFullState() {
	for _, channelID := range p.hub.ChannelIDs() {
		p.ensureChannelDiscovery(channelID)
		if snap, ok := p.hub.Channel(channelID); ok {
			p.publishChannelState(snap)
		}
	}
	p.publish(p.topic("connection/state"), boolToOnOff(p.hub.Connected()), true)
}

func (p *HAPublisher) publishChannelState(snap state.Snapshot) {
	for _, sig := range state.SignalTypes {
		p.publish(p.channelTopic(snap.ChannelID, fmt.Sprintf("%s/state", sig)), boolToOnOff(snap.Signal(sig)), true)
	}
	p.publish(p.channelTopic(snap.ChannelID, "off_delay/state"), strconv.Itoa(snap.OffDelaySeconds), true)

	attrs, err := json.Marshal(map[string]interface{}{
		"channel_id":          snap.ChannelID,
		"last_event_type":     snap.LastEventType,
		"last_event_state":    snap.LastEventState,
		"last_target_type":    snap.LastTargetType,
		"last_event_datetime": snap.LastEventTime,
	})
	if err != nil {
		p.log.Error("failed to marshal channel attributes", "channel", snap.ChannelID, "error", err)
		return
	}
	p.publish(p.channelTopic(snap.ChannelID, "attributes"), string(attrs), true)
}

// ---------------------------------------------------------------------------
// Event bus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventChannelAdded:
		p.ensureChannelDiscovery(evt.ChannelID)
		if snap, ok := p.hub.Channel(evt.ChannelID); ok {
			p.publishChannelState(snap)
		}

	case state.EventStateChanged:
		if evt.Channel == nil {
			p.log.Warn("state_changed event without snapshot")
			return
		}
		p.ensureChannelDiscovery(evt.ChannelID)
		p.publishChannelState(*evt.Channel)

	case state.EventConnected:
		p.publish(p.topic("connection/state"), "ON", true)

	case state.EventDisconnected:
		p.publish(p.topic("connection/state"), "OFF", true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

// channelTopic builds {prefix}/{device_id}/channel/{id}/{suffix}.
func (p *HAPublisher) channelTopic(channelID int, suffix string) string {
	return p.topic(fmt.Sprintf("channel/%d/%s", channelID, suffix))
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// titleCase upper-cases the first letter of an ASCII word.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
