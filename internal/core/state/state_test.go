package state

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trymwestin/hikd/internal/core/isapi"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTimers captures armed timers so tests fire them by hand.
type fakeTimers struct {
	armed []armedTimer
}

type armedTimer struct {
	delay time.Duration
	fire  func()
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.armed = append(f.armed, armedTimer{delay: d, fire: fn})
	// The returned timer never fires on its own; expiry is driven by fire.
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func newTestHub(delay int) (*Hub, *fakeTimers) {
	timers := &fakeTimers{}
	hub := NewHub(DefaultDelay(delay), NewBus(discardLogger()), discardLogger())
	hub.afterFunc = timers.afterFunc
	return hub, timers
}

func vmd(channel int, eventState, target string) isapi.Event {
	return isapi.Event{
		ChannelID:  channel,
		Type:       isapi.EventTypeVMD,
		State:      eventState,
		TargetType: target,
		DateTime:   "2024-05-01T10:00:00+02:00",
	}
}

func wantFlags(t *testing.T, hub *Hub, channel int, motion, human, vehicle bool) {
	t.Helper()
	snap, ok := hub.Channel(channel)
	if !ok {
		t.Fatalf("channel %d not registered", channel)
	}
	if snap.Motion != motion || snap.Human != human || snap.Vehicle != vehicle {
		t.Errorf("channel %d = motion:%v human:%v vehicle:%v, want motion:%v human:%v vehicle:%v",
			channel, snap.Motion, snap.Human, snap.Vehicle, motion, human, vehicle)
	}
}

func TestActiveSetsTargetFlags(t *testing.T) {
	cases := []struct {
		name           string
		target         string
		human, vehicle bool
	}{
		{"human", "human", true, false},
		{"vehicle", "vehicle", false, true},
		{"no target", "", false, false},
		{"unknown target", "animal", false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hub, _ := newTestHub(30)
			hub.HandleEvent(vmd(1, isapi.StateActive, tc.target))
			wantFlags(t, hub, 1, true, tc.human, tc.vehicle)
		})
	}
}

func TestInactiveClearsAllFlagsAndTimer(t *testing.T) {
	hub, timers := newTestHub(30)

	hub.HandleEvent(vmd(1, isapi.StateActive, "human"))
	hub.HandleEvent(vmd(1, isapi.StateActive, "vehicle"))
	wantFlags(t, hub, 1, true, true, true)

	hub.HandleEvent(vmd(1, isapi.StateInactive, ""))
	wantFlags(t, hub, 1, false, false, false)

	// Any previously armed timer is stale now; firing it changes nothing.
	hub.HandleEvent(vmd(1, isapi.StateActive, ""))
	for _, armed := range timers.armed {
		armed.fire()
	}
	// Only the last armed timer was live, so the channel is off again,
	// but firing the stale ones must not have cleared it twice or paniced.
	wantFlags(t, hub, 1, false, false, false)
}

func TestNonVMDEventsAreIgnored(t *testing.T) {
	hub, _ := newTestHub(30)

	hub.HandleEvent(isapi.Event{ChannelID: 1, Type: "videoloss", State: isapi.StateActive})
	if ids := hub.ChannelIDs(); len(ids) != 0 {
		t.Errorf("non-VMD event created channels: %v", ids)
	}

	hub.HandleEvent(vmd(1, isapi.StateActive, ""))
	hub.HandleEvent(isapi.Event{ChannelID: 1, Type: "tamper", State: isapi.StateInactive})
	wantFlags(t, hub, 1, true, false, false)
}

func TestUnknownEventStateIsNoOp(t *testing.T) {
	hub, _ := newTestHub(30)
	hub.HandleEvent(vmd(1, isapi.StateActive, ""))
	hub.HandleEvent(vmd(1, "paused", ""))
	wantFlags(t, hub, 1, true, false, false)
}

// TestTimerRefreshReplacesPrevious checks the debounce contract: a second
// active event re-arms the countdown and the first timer's fire is void.
func TestTimerRefreshReplacesPrevious(t *testing.T) {
	hub, timers := newTestHub(5)

	hub.HandleEvent(vmd(1, isapi.StateActive, ""))
	hub.HandleEvent(vmd(1, isapi.StateActive, ""))

	if len(timers.armed) != 2 {
		t.Fatalf("armed %d timers, want 2", len(timers.armed))
	}
	if timers.armed[1].delay != 5*time.Second {
		t.Errorf("delay = %v, want 5s", timers.armed[1].delay)
	}

	// First (replaced) timer fires late: must be a no-op.
	timers.armed[0].fire()
	wantFlags(t, hub, 1, true, false, false)

	// Second timer fires: exactly one auto-off.
	timers.armed[1].fire()
	wantFlags(t, hub, 1, false, false, false)

	// A duplicate fire of the same callback is also a no-op.
	timers.armed[1].fire()
	wantFlags(t, hub, 1, false, false, false)
}

func TestZeroDelayArmsNoTimer(t *testing.T) {
	hub, timers := newTestHub(0)

	hub.HandleEvent(vmd(1, isapi.StateActive, "vehicle"))
	if len(timers.armed) != 0 {
		t.Fatalf("armed %d timers with zero delay, want 0", len(timers.armed))
	}
	wantFlags(t, hub, 1, true, false, true)

	// Only an explicit inactive clears the channel.
	hub.HandleEvent(vmd(1, isapi.StateInactive, ""))
	wantFlags(t, hub, 1, false, false, false)
}

// delayMap lets tests change per-channel delays between events, modelling
// the externally persisted configuration.
type delayMap map[int]int

func (d delayMap) OffDelay(channelID int) int { return d[channelID] }

func TestDelayReadAtArmTime(t *testing.T) {
	delays := delayMap{1: 10}
	timers := &fakeTimers{}
	hub := NewHub(delays, NewBus(discardLogger()), discardLogger())
	hub.afterFunc = timers.afterFunc

	hub.HandleEvent(vmd(1, isapi.StateActive, ""))
	delays[1] = 120
	hub.HandleEvent(vmd(1, isapi.StateActive, ""))

	if len(timers.armed) != 2 {
		t.Fatalf("armed %d timers, want 2", len(timers.armed))
	}
	if timers.armed[0].delay != 10*time.Second || timers.armed[1].delay != 120*time.Second {
		t.Errorf("delays = %v, %v; want 10s then 120s", timers.armed[0].delay, timers.armed[1].delay)
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	hub, _ := newTestHub(30)

	hub.HandleEvent(vmd(1, isapi.StateActive, "human"))
	hub.HandleEvent(vmd(2, isapi.StateActive, "vehicle"))
	hub.HandleEvent(vmd(1, isapi.StateInactive, ""))

	wantFlags(t, hub, 1, false, false, false)
	wantFlags(t, hub, 2, true, false, true)
}

func TestChannelAddedNotification(t *testing.T) {
	bus := NewBus(discardLogger())
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	hub := NewHub(DefaultDelay(30), bus, discardLogger())
	hub.AddDiscovered([]int{2, 1})
	hub.AddDiscovered([]int{1}) // idempotent

	var added []int
	for len(added) < 2 {
		select {
		case evt := <-ch:
			if evt.Type == EventChannelAdded {
				added = append(added, evt.ChannelID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", added)
		}
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateChangeNotificationCarriesMetadata(t *testing.T) {
	bus := NewBus(discardLogger())
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	hub := NewHub(DefaultDelay(30), bus, discardLogger())
	hub.HandleEvent(vmd(4, isapi.StateActive, "human"))

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type != EventStateChanged {
				continue
			}
			if evt.ChannelID != 4 || evt.Channel == nil {
				t.Fatalf("bad notification %+v", evt)
			}
			if !evt.Channel.Motion || !evt.Channel.Human {
				t.Errorf("snapshot flags wrong: %+v", evt.Channel)
			}
			if evt.Channel.LastTargetType != "human" || evt.Channel.LastEventTime == "" {
				t.Errorf("snapshot metadata wrong: %+v", evt.Channel)
			}
			return
		case <-deadline:
			t.Fatal("no state_changed notification")
		}
	}
}

func TestShutdownSilencesTimers(t *testing.T) {
	hub, timers := newTestHub(5)

	hub.HandleEvent(vmd(1, isapi.StateActive, ""))
	hub.Shutdown()

	timers.armed[0].fire()
	// Shutdown froze the state; a late fire must not publish or mutate.
	wantFlags(t, hub, 1, true, false, false)

	hub.HandleEvent(vmd(1, isapi.StateInactive, ""))
	wantFlags(t, hub, 1, true, false, false)
}

func TestClampOffDelay(t *testing.T) {
	cases := []struct{ in, want int }{
		{-5, 0},
		{0, 0},
		{30, 30},
		{1800, 1800},
		{5000, 1800},
	}
	for _, tc := range cases {
		if got := ClampOffDelay(tc.in); got != tc.want {
			t.Errorf("ClampOffDelay(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
