package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/d1nch8g/avsim-mixer/fault"
	"github.com/d1nch8g/avsim-mixer/mapi"
)

const tracerName = "github.com/d1nch8g/avsim-mixer/engine"

// Sounds is the registry surface the router drives.
type Sounds interface {
	Play(name string, volume float64) error
	Stop(name string) error
	StopAll() []string
	SetVolume(name string, level float64) error
	FadeOut(name string, d time.Duration) error
}

// Publisher sends an encoded payload on the bus.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// EngineConfig holds the configuration for the command router
type EngineConfig struct {
	// Identity is stamped on every outbound message and used for loopback
	// suppression
	Identity    string
	AlertSound  string
	MailboxSize int
}

type handler func(ctx context.Context, payload mapi.Payload) error

type inbound struct {
	topic   string
	payload []byte
}

// Engine routes inbound bus messages to the sound registry and publishes
// status events back.
type Engine struct {
	config    EngineConfig
	sounds    Sounds
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer

	// fixed at construction
	handlers map[mapi.Topic]handler

	mailbox chan inbound

	isRunning    bool
	runningMutex sync.Mutex
}

// NewEngine creates a router bound to sounds and publisher.
func NewEngine(config EngineConfig, sounds Sounds, publisher Publisher, logger *slog.Logger) *Engine {
	if config.Identity == "" {
		config.Identity = "avsim-mixer"
	}
	if config.AlertSound == "" {
		config.AlertSound = "collision_alert_1.mp3"
	}
	if config.MailboxSize <= 0 {
		config.MailboxSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		config:    config,
		sounds:    sounds,
		publisher: publisher,
		logger:    logger.With("component", "engine"),
		tracer:    otel.Tracer(tracerName),
		mailbox:   make(chan inbound, config.MailboxSize),
	}
	e.handlers = map[mapi.Topic]handler{
		mapi.TopicPlay:           e.handlePlay,
		mapi.TopicStop:           e.handleStop,
		mapi.TopicStopAll:        e.handleStopAll,
		mapi.TopicFadeOut:        e.handleFadeOut,
		mapi.TopicSetVolume:      e.handleSetVolume,
		mapi.TopicRequestActive:  e.handleRequestActive,
		mapi.TopicAlertCollision: e.handleAlertCollision,
	}
	return e
}

// Topics returns the bus topics the router handles.
func (e *Engine) Topics() []string {
	subs := mapi.Subscriptions()
	topics := make([]string, 0, len(subs))
	for _, t := range subs {
		if _, ok := e.handlers[t]; ok {
			topics = append(topics, t.String())
		}
	}
	return topics
}

// Deliver queues a raw message for the worker without blocking. When the
// mailbox is full the message is dropped.
func (e *Engine) Deliver(topic string, payload []byte) {
	msg := inbound{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case e.mailbox <- msg:
	default:
		e.drop(topic, fault.New(fault.CodeOverloaded, "engine.deliver", "mailbox full (%d)", cap(e.mailbox)))
	}
}

// Start runs the worker until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.runningMutex.Lock()
	if e.isRunning {
		e.runningMutex.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.isRunning = true
	e.runningMutex.Unlock()

	defer func() {
		e.runningMutex.Lock()
		e.isRunning = false
		e.runningMutex.Unlock()
	}()

	e.logger.Info("mixer engine started", "identity", e.config.Identity)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping due to context cancellation")
			return ctx.Err()
		case msg := <-e.mailbox:
			e.Dispatch(ctx, msg.topic, msg.payload)
		}
	}
}

// IsRunning returns whether the worker is currently running
func (e *Engine) IsRunning() bool {
	e.runningMutex.Lock()
	defer e.runningMutex.Unlock()
	return e.isRunning
}

// Dispatch processes one message synchronously. Failures are logged with
// their kind and never returned.
func (e *Engine) Dispatch(ctx context.Context, topic string, payload []byte) {
	ctx, span := e.tracer.Start(ctx, "mapi.dispatch", trace.WithAttributes(
		attribute.String("mapi.topic", topic),
	))
	defer span.End()

	if err := e.dispatch(ctx, topic, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(fault.CodeOf(err)))
		e.drop(topic, err)
	}
}

func (e *Engine) dispatch(ctx context.Context, topic string, payload []byte) error {
	id := mapi.ParseTopic(topic)
	h, ok := e.handlers[id]
	if !ok {
		return fault.New(fault.CodeUnknownTopic, "engine.dispatch", "%s", topic)
	}

	env, err := mapi.Parse(id, payload)
	if err != nil {
		return err
	}
	if env.App == e.config.Identity {
		return nil
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("mapi.app", env.App))
	return h(ctx, env.Payload)
}

func (e *Engine) drop(topic string, err error) {
	kind := fault.CodeOf(err)
	level := slog.LevelWarn
	switch kind {
	case fault.CodeNotSupported, fault.CodePlaybackUnavailable:
		level = slog.LevelInfo
	}
	e.logger.Log(context.Background(), level, "message dropped", "kind", kind, "topic", topic, "error", err)
}

func requireFile(op string, payload mapi.Payload) (string, error) {
	file, ok := payload.String(mapi.FieldFile)
	if !ok || file == "" {
		return "", fault.New(fault.CodeInvalidArgument, op, "missing %q", mapi.FieldFile)
	}
	return file, nil
}

func (e *Engine) handlePlay(_ context.Context, payload mapi.Payload) error {
	file, err := requireFile("engine.play", payload)
	if err != nil {
		return err
	}

	volume := 1.0
	if payload.Has(mapi.FieldVolume) {
		v, ok := payload.Float(mapi.FieldVolume)
		if !ok {
			return fault.New(fault.CodeInvalidArgument, "engine.play", "%q is not a number", mapi.FieldVolume)
		}
		volume = v
	}

	if err := e.sounds.Play(file, volume); err != nil {
		return err
	}
	e.logger.Debug("playing sound", "file", file, "volume", volume)
	e.WriteLog(map[string]any{"play": file, "volume": volume})
	return nil
}

func (e *Engine) handleStop(_ context.Context, payload mapi.Payload) error {
	file, err := requireFile("engine.stop", payload)
	if err != nil {
		return err
	}
	if err := e.sounds.Stop(file); err != nil {
		return err
	}
	e.WriteLog(map[string]any{"stop": file})
	return nil
}

func (e *Engine) handleStopAll(_ context.Context, _ mapi.Payload) error {
	stopped := e.sounds.StopAll()
	e.logger.Debug("stopped all sounds", "names", stopped)
	e.WriteLog(map[string]any{"stop_all": len(stopped)})
	return nil
}

func (e *Engine) handleFadeOut(_ context.Context, payload mapi.Payload) error {
	file, err := requireFile("engine.fadeout", payload)
	if err != nil {
		return err
	}
	ms, ok := payload.Float(mapi.FieldFadeOutTime)
	if !ok || ms < 0 {
		return fault.New(fault.CodeInvalidArgument, "engine.fadeout", "missing %q", mapi.FieldFadeOutTime)
	}
	return e.sounds.FadeOut(file, time.Duration(ms*float64(time.Millisecond)))
}

func (e *Engine) handleSetVolume(_ context.Context, payload mapi.Payload) error {
	file, err := requireFile("engine.set_volume", payload)
	if err != nil {
		return err
	}
	level, ok := payload.Float(mapi.FieldVolume)
	if !ok {
		return fault.New(fault.CodeInvalidArgument, "engine.set_volume", "missing %q", mapi.FieldVolume)
	}
	return e.sounds.SetVolume(file, level)
}

func (e *Engine) handleRequestActive(_ context.Context, _ mapi.Payload) error {
	return e.NotifyActive()
}

// handleAlertCollision plays the alert sound at full volume whatever the
// payload says.
func (e *Engine) handleAlertCollision(_ context.Context, _ mapi.Payload) error {
	if err := e.sounds.Play(e.config.AlertSound, 1.0); err != nil {
		return err
	}
	e.WriteLog(map[string]any{"alert_collision": 1, "play": e.config.AlertSound})
	return nil
}
