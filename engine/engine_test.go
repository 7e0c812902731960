package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/tidwall/gjson"

	"github.com/d1nch8g/avsim-mixer/fault"
	"github.com/d1nch8g/avsim-mixer/logger"
	"github.com/d1nch8g/avsim-mixer/mapi"
	"github.com/d1nch8g/avsim-mixer/registry"
	"github.com/d1nch8g/avsim-mixer/sound/soundtest"
)

// recordingHandler keeps every record's "kind" attribute.
type recordingHandler struct {
	mu    sync.Mutex
	kinds []fault.Code
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler            { return h }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "kind" {
			h.mu.Lock()
			h.kinds = append(h.kinds, fault.Code(a.Value.String()))
			h.mu.Unlock()
		}
		return true
	})
	return nil
}

func (h *recordingHandler) count(kind fault.Code) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, k := range h.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type message struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	sent      []message
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return fault.New(fault.CodeNotConnected, "fake.publish", "%s", topic)
	}
	p.sent = append(p.sent, message{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) on(topic string) []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []message
	for _, m := range p.sent {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	engine    *Engine
	registry  *registry.Registry
	sounds    *soundtest.Engine
	publisher *fakePublisher
	logs      *recordingHandler
}

func newFixture(t *testing.T, files ...string) *fixture {
	t.Helper()
	return newFixtureWith(t, soundtest.NewEngine(), files...)
}

func newFixtureWith(t *testing.T, sounds *soundtest.Engine, files ...string) *fixture {
	t.Helper()

	dir := t.TempDir()
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("ID3"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	reg := registry.New(sounds, []string{".mp3"}, logger.Discard())
	if _, err := reg.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	logs := &recordingHandler{}
	pub := &fakePublisher{connected: true}
	e := NewEngine(EngineConfig{Identity: "avsim-mixer"}, reg, pub, slog.New(logs))
	return &fixture{engine: e, registry: reg, sounds: sounds, publisher: pub, logs: logs}
}

func (f *fixture) dispatch(topic mapi.Topic, payload string) {
	f.engine.Dispatch(context.Background(), topic.String(), []byte(payload))
}

func (f *fixture) status(t *testing.T, name string) registry.Status {
	t.Helper()
	s, err := f.registry.Get(name)
	if err != nil {
		t.Fatalf("Get(%s): %v", name, err)
	}
	return s
}

func TestPlayScenario(t *testing.T) {
	f := newFixture(t, "a.mp3", "b.mp3")

	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"a.mp3","volume":0.5}`)

	a := f.status(t, "a.mp3")
	if a.State != registry.StatePlaying || a.Volume != 0.5 {
		t.Fatalf("a.mp3 = %+v, want playing at 0.5", a)
	}
	if b := f.status(t, "b.mp3"); b.State != registry.StateIdle {
		t.Fatalf("b.mp3 state = %s, want idle", b.State)
	}

	logs := f.publisher.on(mapi.PublishLog)
	if len(logs) != 1 {
		t.Fatalf("log messages = %d, want 1", len(logs))
	}
	if app := gjson.GetBytes(logs[0].payload, "app").String(); app != "avsim-mixer" {
		t.Fatalf("log app = %q", app)
	}
}

func TestPlayDefaultsVolume(t *testing.T) {
	f := newFixture(t, "a.mp3")
	if err := f.registry.SetVolume("a.mp3", 0.2); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}

	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"a.mp3"}`)

	if a := f.status(t, "a.mp3"); a.State != registry.StatePlaying || a.Volume != 1.0 {
		t.Fatalf("a.mp3 = %+v, want playing at 1.0", a)
	}
}

func TestPlayWithoutFileIsNoop(t *testing.T) {
	f := newFixture(t, "a.mp3")

	f.dispatch(mapi.TopicPlay, `{"app":"other","volume":0.3}`)
	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"a.mp3","volume":"loud"}`)

	if a := f.status(t, "a.mp3"); a.State != registry.StateIdle || a.Volume != 1.0 {
		t.Fatalf("a.mp3 = %+v, want untouched", a)
	}
	if n := f.logs.count(fault.CodeInvalidArgument); n != 2 {
		t.Fatalf("INVALID_ARGUMENT logs = %d, want 2", n)
	}
}

func TestStopAndUnknownResource(t *testing.T) {
	f := newFixture(t, "a.mp3")

	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"a.mp3"}`)
	f.dispatch(mapi.TopicStop, `{"app":"other","file":"a.mp3"}`)
	if a := f.status(t, "a.mp3"); a.State != registry.StateStopped {
		t.Fatalf("a.mp3 state = %s, want stopped", a.State)
	}

	f.dispatch(mapi.TopicStop, `{"app":"other","file":"ghost.mp3"}`)
	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"ghost.mp3"}`)
	if n := f.logs.count(fault.CodeResourceNotFound); n != 2 {
		t.Fatalf("RESOURCE_NOT_FOUND logs = %d, want 2", n)
	}
}

func TestStopUnplayableWritesNoActivityLog(t *testing.T) {
	f := newFixtureWith(t, soundtest.NewEngine("broken.mp3"), "broken.mp3")

	f.dispatch(mapi.TopicStop, `{"app":"other","file":"broken.mp3"}`)
	f.dispatch(mapi.TopicSetVolume, `{"app":"other","file":"broken.mp3","volume":0.2}`)

	if n := len(f.publisher.on(mapi.PublishLog)); n != 0 {
		t.Fatalf("published %d activity logs for an unplayable resource, want 0", n)
	}
	if n := f.logs.count(fault.CodePlaybackUnavailable); n != 2 {
		t.Fatalf("PlaybackUnavailable logged %d times, want 2", n)
	}
	if s := f.status(t, "broken.mp3"); s.State != registry.StateIdle || s.Volume != registry.DefaultVolume {
		t.Fatalf("broken.mp3 = %+v, want untouched", s)
	}
}

func TestSetVolumeClamps(t *testing.T) {
	f := newFixture(t, "a.mp3")

	f.dispatch(mapi.TopicSetVolume, `{"app":"other","file":"a.mp3","volume":1.5}`)
	if a := f.status(t, "a.mp3"); a.Volume != 1.0 {
		t.Fatalf("volume = %v, want 1.0", a.Volume)
	}
	f.dispatch(mapi.TopicSetVolume, `{"app":"other","file":"a.mp3","volume":-0.2}`)
	if a := f.status(t, "a.mp3"); a.Volume != 0.0 {
		t.Fatalf("volume = %v, want 0.0", a.Volume)
	}

	f.dispatch(mapi.TopicSetVolume, `{"app":"other","file":"a.mp3"}`)
	if n := f.logs.count(fault.CodeInvalidArgument); n != 1 {
		t.Fatalf("INVALID_ARGUMENT logs = %d, want 1", n)
	}
}

func TestFadeOutReportsNotSupported(t *testing.T) {
	f := newFixture(t, "a.mp3")

	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"a.mp3","volume":0.8}`)
	f.dispatch(mapi.TopicFadeOut, `{"app":"other","file":"a.mp3","fadeout_time":1500}`)

	if a := f.status(t, "a.mp3"); a.State != registry.StatePlaying || a.Volume != 0.8 {
		t.Fatalf("a.mp3 = %+v, want unchanged", a)
	}
	if n := f.logs.count(fault.CodeNotSupported); n != 1 {
		t.Fatalf("NOT_SUPPORTED logs = %d, want 1", n)
	}
	if f.sounds.FadeOuts() != 0 {
		t.Fatal("fade-out reached the playback engine")
	}
}

func TestStopAllScenario(t *testing.T) {
	f := newFixture(t, "a.mp3", "b.mp3", "c.mp3")

	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"a.mp3"}`)
	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"c.mp3"}`)
	f.dispatch(mapi.TopicStopAll, `{"app":"other"}`)

	if playing := f.registry.Playing(); len(playing) != 0 {
		t.Fatalf("playing after stop all = %v", playing)
	}
	if b := f.status(t, "b.mp3"); b.State != registry.StateIdle {
		t.Fatalf("b.mp3 state = %s, want idle", b.State)
	}
}

func TestAlertCollisionScenario(t *testing.T) {
	f := newFixture(t, "collision_alert_1.mp3", "a.mp3")
	if err := f.registry.SetVolume("collision_alert_1.mp3", 0.1); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}

	f.dispatch(mapi.TopicAlertCollision, `{"app":"other","volume":0.2}`)

	alert := f.status(t, "collision_alert_1.mp3")
	if alert.State != registry.StatePlaying || alert.Volume != 1.0 {
		t.Fatalf("alert = %+v, want playing at 1.0", alert)
	}
}

func TestMalformedPayloadScenario(t *testing.T) {
	f := newFixture(t, "a.mp3")
	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"a.mp3"}`)
	before := f.registry.Snapshot()

	f.dispatch(mapi.TopicStop, `stop a.mp3 please`)

	after := f.registry.Snapshot()
	if len(before) != len(after) || before[0] != after[0] {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	if n := f.logs.count(fault.CodeMalformedPayload); n != 1 {
		t.Fatalf("MALFORMED_PAYLOAD logs = %d, want 1", n)
	}
}

func TestMissingIdentityIsDropped(t *testing.T) {
	f := newFixture(t, "a.mp3")

	f.dispatch(mapi.TopicPlay, `{"file":"a.mp3"}`)

	if a := f.status(t, "a.mp3"); a.State != registry.StateIdle {
		t.Fatalf("a.mp3 state = %s, want idle", a.State)
	}
	if n := f.logs.count(fault.CodeMissingIdentity); n != 1 {
		t.Fatalf("MISSING_IDENTITY logs = %d, want 1", n)
	}
}

func TestRequestActivePublishesNotifyActive(t *testing.T) {
	f := newFixture(t)

	f.dispatch(mapi.TopicRequestActive, `{"app":"manager"}`)

	msgs := f.publisher.on(mapi.PublishNotifyActive)
	if len(msgs) != 1 {
		t.Fatalf("notify_active messages = %d, want 1", len(msgs))
	}
	if string(msgs[0].payload) != `{"app":"avsim-mixer"}` {
		t.Fatalf("payload = %s", msgs[0].payload)
	}

	// our own request echoed back by the broker is ignored
	f.dispatch(mapi.TopicRequestActive, `{"app":"avsim-mixer"}`)
	if n := len(f.publisher.on(mapi.PublishNotifyActive)); n != 1 {
		t.Fatalf("notify_active messages after echo = %d, want 1", n)
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	f.publisher.connected = false

	if err := f.engine.NotifyActive(); !errors.Is(err, fault.ErrNotConnected) {
		t.Fatalf("NotifyActive = %v, want NotConnected", err)
	}
	if n := f.logs.count(fault.CodeNotConnected); n != 1 {
		t.Fatalf("NOT_CONNECTED logs = %d, want 1", n)
	}
}

func TestOutboundMessages(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.SetAlertCollision(); err != nil {
		t.Fatalf("SetAlertCollision: %v", err)
	}
	if err := f.engine.SetScenarioEnd(); err != nil {
		t.Fatalf("SetScenarioEnd: %v", err)
	}
	if err := f.engine.RequestActive(); err != nil {
		t.Fatalf("RequestActive: %v", err)
	}
	if err := f.engine.LogEgoStatus(map[string]any{"velocity": 12.5, "steer": "left", "gear": 3.0}); err != nil {
		t.Fatalf("LogEgoStatus: %v", err)
	}

	alert := f.publisher.on(mapi.PublishAlertCollision)
	if len(alert) != 1 || !gjson.GetBytes(alert[0].payload, "alert_collision").Bool() {
		t.Fatalf("alert messages = %+v", alert)
	}
	end := f.publisher.on(mapi.PublishScenarioEnd)
	if len(end) != 1 || !gjson.GetBytes(end[0].payload, "scenario_end").Bool() {
		t.Fatalf("scenario end messages = %+v", end)
	}
	if n := len(f.publisher.on(mapi.PublishRequestActive)); n != 1 {
		t.Fatalf("request_active messages = %d, want 1", n)
	}

	logs := f.publisher.on(mapi.PublishLog)
	if len(logs) != 2 {
		t.Fatalf("log messages = %d, want 2", len(logs))
	}
	ego := gjson.ParseBytes(logs[1].payload)
	if ego.Get("velocity").Float() != 12.5 || ego.Get("steer").Exists() || ego.Get("gear").Exists() {
		t.Fatalf("ego log = %s", logs[1].payload)
	}
	for _, m := range f.publisher.sent {
		if gjson.GetBytes(m.payload, "app").String() != "avsim-mixer" {
			t.Fatalf("message on %s not stamped: %s", m.topic, m.payload)
		}
	}
}

func TestUnknownTopicProperty(t *testing.T) {
	f := newFixture(t, "a.mp3", "b.mp3")
	f.dispatch(mapi.TopicPlay, `{"app":"other","file":"a.mp3","volume":0.4}`)
	before := f.registry.Snapshot()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("unknown topics leave the registry unchanged", prop.ForAll(
		func(suffix string) bool {
			topic := "flame/avsim/mixer/unknown_" + suffix
			f.engine.Dispatch(context.Background(), topic, []byte(`{"app":"other","file":"b.mp3"}`))
			after := f.registry.Snapshot()
			for i := range before {
				if before[i] != after[i] {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestLoopbackSuppressionProperty(t *testing.T) {
	f := newFixture(t, "a.mp3", "collision_alert_1.mp3")
	before := f.registry.Snapshot()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("messages from self are never acted upon", prop.ForAll(
		func(idx int, volume float64) bool {
			topic := mapi.Subscriptions()[idx]
			payload, err := mapi.Build("avsim-mixer", map[string]any{
				"file":         "a.mp3",
				"volume":       volume,
				"fadeout_time": 100,
			})
			if err != nil {
				return false
			}
			f.engine.Dispatch(context.Background(), topic.String(), payload)

			after := f.registry.Snapshot()
			for i := range before {
				if before[i] != after[i] {
					return false
				}
			}
			return len(f.publisher.sent) == 0
		},
		gen.IntRange(0, len(mapi.Subscriptions())-1),
		gen.Float64Range(-1, 2),
	))
	properties.TestingRun(t)
}

func TestPlayVolumeProperty(t *testing.T) {
	f := newFixture(t, "a.mp3")

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("valid play leaves the resource playing at the given volume", prop.ForAll(
		func(volume float64) bool {
			payload, err := mapi.Build("other", map[string]any{"file": "a.mp3", "volume": volume})
			if err != nil {
				return false
			}
			f.engine.Dispatch(context.Background(), mapi.TopicPlay.String(), payload)
			s, err := f.registry.Get("a.mp3")
			return err == nil && s.State == registry.StatePlaying && s.Volume == volume
		},
		gen.Float64Range(0, 1),
	))
	properties.TestingRun(t)
}

func TestWorkerDrainsMailbox(t *testing.T) {
	f := newFixture(t, "a.mp3")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Start(ctx) }()

	f.engine.Deliver(mapi.TopicPlay.String(), []byte(`{"app":"other","file":"a.mp3","volume":0.6}`))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := f.status(t, "a.mp3"); s.State == registry.StatePlaying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message was not dispatched by the worker")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !f.engine.IsRunning() {
		t.Fatal("engine should report running")
	}
	if err := f.engine.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestDeliverDropsWhenMailboxFull(t *testing.T) {
	logs := &recordingHandler{}
	e := NewEngine(EngineConfig{MailboxSize: 1}, nil, &fakePublisher{}, slog.New(logs))

	e.Deliver(mapi.TopicStopAll.String(), []byte(`{"app":"other"}`))
	e.Deliver(mapi.TopicStopAll.String(), []byte(`{"app":"other"}`))

	if n := logs.count(fault.CodeOverloaded); n != 1 {
		t.Fatalf("OVERLOADED logs = %d, want 1", n)
	}
}

func TestTopicsCoverEverySubscription(t *testing.T) {
	f := newFixture(t)
	topics := f.engine.Topics()
	if len(topics) != len(mapi.Subscriptions()) {
		t.Fatalf("Topics = %v", topics)
	}
	for i, topic := range mapi.Subscriptions() {
		if topics[i] != topic.String() {
			t.Fatalf("Topics[%d] = %s, want %s", i, topics[i], topic)
		}
	}
}
