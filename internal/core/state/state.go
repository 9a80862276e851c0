// Package state owns the per-channel activity model: three debounced
// boolean signals per channel, auto-off timers, and the event bus that
// carries channel lifecycle and transition notifications to the MQTT and
// HTTP surfaces.
package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trymwestin/hikd/internal/core/isapi"
)

// Off-delay bounds in seconds.
const (
	MinOffDelaySeconds = 0
	MaxOffDelaySeconds = 1800
)

// SignalType identifies one of the per-channel boolean signals.
type SignalType string

const (
	SignalMotion  SignalType = "motion"
	SignalHuman   SignalType = "human"
	SignalVehicle SignalType = "vehicle"
)

// SignalTypes lists all per-channel signals in a stable order.
var SignalTypes = []SignalType{SignalMotion, SignalHuman, SignalVehicle}

// DelaySource supplies the currently configured off-delay for a channel.
// It is consulted at the moment a timer is armed, not at connection start,
// so operator changes apply to the very next active event.
type DelaySource interface {
	OffDelay(channelID int) int
}

// DefaultDelay is a DelaySource returning one fixed value.
type DefaultDelay int

// OffDelay implements DelaySource.
func (d DefaultDelay) OffDelay(int) int { return int(d) }

// Snapshot is a copy of one channel's externally visible state.
type Snapshot struct {
	ChannelID       int    `json:"channel_id"`
	Motion          bool   `json:"motion"`
	Human           bool   `json:"human"`
	Vehicle         bool   `json:"vehicle"`
	OffDelaySeconds int    `json:"off_delay_seconds"`
	LastEventType   string `json:"last_event_type,omitempty"`
	LastEventState  string `json:"last_event_state,omitempty"`
	LastTargetType  string `json:"last_target_type,omitempty"`
	LastEventTime   string `json:"last_event_time,omitempty"`
}

// Signal returns one boolean by signal type.
func (s Snapshot) Signal(sig SignalType) bool {
	switch sig {
	case SignalMotion:
		return s.Motion
	case SignalHuman:
		return s.Human
	case SignalVehicle:
		return s.Vehicle
	}
	return false
}

// channelState is the hub-owned mutable record for one channel.
type channelState struct {
	channelID int
	motion    bool
	human     bool
	vehicle   bool
	lastEvent isapi.Event

	timer    *time.Timer
	timerGen uint64
}

// --- Event bus ---

// EventType identifies bus event categories.
type EventType string

const (
	// EventChannelAdded fires once when a channel id is first seen,
	// either from discovery or lazily from the stream.
	EventChannelAdded EventType = "channel_added"
	// EventStateChanged fires on every boolean transition and carries
	// the channel snapshot after the transition.
	EventStateChanged EventType = "state_changed"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event is one bus notification.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ChannelID int       `json:"channel_id,omitempty"`
	Channel   *Snapshot `json:"channel,omitempty"`
}

// Bus is a simple publish/subscribe event bus. Publishing never blocks;
// slow subscribers drop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// --- Hub ---

// Hub is the channel registry and state machine. One mutex serializes the
// two mutation paths (stream events and timer expiries); channels are
// created lazily and survive reconnects.
type Hub struct {
	mu        sync.Mutex
	channels  map[int]*channelState
	delays    DelaySource
	connected bool
	shutdown  bool

	bus *Bus
	log *slog.Logger

	// afterFunc is replaced in tests to make timer expiry deterministic.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewHub creates a hub using delays as the off-delay source.
func NewHub(delays DelaySource, bus *Bus, log *slog.Logger) *Hub {
	return &Hub{
		channels:  make(map[int]*channelState),
		delays:    delays,
		bus:       bus,
		log:       log,
		afterFunc: time.AfterFunc,
	}
}

// Bus returns the hub's event bus.
func (h *Hub) Bus() *Bus { return h.bus }

// getOrCreate is the sole channel-creation path. Caller holds h.mu.
func (h *Hub) getOrCreate(channelID int) *channelState {
	if st, ok := h.channels[channelID]; ok {
		return st
	}
	st := &channelState{channelID: channelID}
	h.channels[channelID] = st
	h.log.Info("state: new channel registered", "channel", channelID)
	h.bus.Publish(Event{Type: EventChannelAdded, ChannelID: channelID})
	return st
}

// AddDiscovered registers channel ids found by the discovery probe so
// their sensors exist before the first event arrives.
func (h *Hub) AddDiscovered(channelIDs []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range channelIDs {
		if id > 0 {
			h.getOrCreate(id)
		}
	}
}

// ChannelIDs returns the sorted known channel ids.
func (h *Hub) ChannelIDs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int, 0, len(h.channels))
	for id := range h.channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Channel returns a snapshot of one channel.
func (h *Hub) Channel(channelID int) (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.channels[channelID]
	if !ok {
		return Snapshot{}, false
	}
	return h.snapshot(st), true
}

// Channels returns snapshots of all known channels ordered by id.
func (h *Hub) Channels() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snaps := make([]Snapshot, 0, len(h.channels))
	for _, st := range h.channels {
		snaps = append(snaps, h.snapshot(st))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ChannelID < snaps[j].ChannelID })
	return snaps
}

// snapshot copies one channel's state. Caller holds h.mu.
func (h *Hub) snapshot(st *channelState) Snapshot {
	return Snapshot{
		ChannelID:       st.channelID,
		Motion:          st.motion,
		Human:           st.human,
		Vehicle:         st.vehicle,
		OffDelaySeconds: ClampOffDelay(h.delays.OffDelay(st.channelID)),
		LastEventType:   st.lastEvent.Type,
		LastEventState:  st.lastEvent.State,
		LastTargetType:  st.lastEvent.TargetType,
		LastEventTime:   st.lastEvent.DateTime,
	}
}

// HandleEvent applies one decoded event. Non-VMD events never mutate any
// channel. Unrecognized event states are no-ops too.
func (h *Hub) HandleEvent(evt isapi.Event) {
	if !evt.IsVMD() || evt.ChannelID <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return
	}

	st := h.getOrCreate(evt.ChannelID)
	st.lastEvent = evt

	switch evt.State {
	case isapi.StateActive:
		st.motion = true
		switch evt.TargetType {
		case isapi.TargetHuman:
			st.human = true
		case isapi.TargetVehicle:
			st.vehicle = true
		}
		h.armTimer(st)
	case isapi.StateInactive:
		st.motion = false
		st.human = false
		st.vehicle = false
		h.cancelTimer(st)
	default:
		return
	}

	h.publishState(st)
}

// armTimer (re)schedules the auto-off timer with the currently configured
// delay, replacing any pending one. Delay 0 means no timer: the channel
// only clears on an explicit inactive event. Caller holds h.mu.
func (h *Hub) armTimer(st *channelState) {
	h.cancelTimer(st)

	delay := ClampOffDelay(h.delays.OffDelay(st.channelID))
	if delay <= 0 {
		return
	}

	st.timerGen++
	gen := st.timerGen
	channelID := st.channelID
	st.timer = h.afterFunc(time.Duration(delay)*time.Second, func() {
		h.expire(channelID, gen)
	})
}

// cancelTimer stops any pending timer. Bumping the generation makes an
// already-fired callback a no-op. Caller holds h.mu.
func (h *Hub) cancelTimer(st *channelState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerGen++
}

// expire is the timer callback. It runs outside the read path and takes
// the same mutex, so transitions stay serialized.
func (h *Hub) expire(channelID int, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return
	}

	st, ok := h.channels[channelID]
	if !ok || st.timerGen != gen {
		// Cancelled or re-armed after this fire was scheduled.
		return
	}
	st.timer = nil

	st.motion = false
	st.human = false
	st.vehicle = false
	st.lastEvent.State = isapi.StateInactive
	h.log.Debug("state: auto-off timer expired", "channel", channelID)
	h.publishState(st)
}

// publishState emits a transition notification. Caller holds h.mu.
func (h *Hub) publishState(st *channelState) {
	snap := h.snapshot(st)
	h.bus.Publish(Event{Type: EventStateChanged, ChannelID: st.channelID, Channel: &snap})
}

// SetConnected records the stream connection status.
func (h *Hub) SetConnected(connected bool) {
	h.mu.Lock()
	h.connected = connected
	h.mu.Unlock()

	if connected {
		h.bus.Publish(Event{Type: EventConnected})
	} else {
		h.bus.Publish(Event{Type: EventDisconnected})
	}
}

// Connected reports the stream connection status.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Shutdown cancels all pending timers. No callbacks fire afterwards.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = true
	for _, st := range h.channels {
		h.cancelTimer(st)
	}
}

// ClampOffDelay clamps a delay to the valid range.
func ClampOffDelay(seconds int) int {
	if seconds < MinOffDelaySeconds {
		return MinOffDelaySeconds
	}
	if seconds > MaxOffDelaySeconds {
		return MaxOffDelaySeconds
	}
	return seconds
}
