package engine

import (
	"github.com/d1nch8g/avsim-mixer/fault"
	"github.com/d1nch8g/avsim-mixer/mapi"
)

// egoStatusFields are the float-only vehicle fields copied into ego logs.
var egoStatusFields = []string{"velocity", "accel", "steer", "throttle", "break"}

// publish stamps fields with the node identity and sends them at most once.
// Failures, including NotConnected, are logged and returned.
func (e *Engine) publish(topic string, fields map[string]any) error {
	raw, err := mapi.Build(e.config.Identity, fields)
	if err == nil {
		if e.publisher == nil {
			err = fault.New(fault.CodeNotConnected, "engine.publish", "no publisher")
		} else {
			err = e.publisher.Publish(topic, raw)
		}
	}
	if err != nil {
		e.logger.Warn("publish dropped", "kind", fault.CodeOf(err), "topic", topic, "error", err)
		return err
	}
	return nil
}

// WriteLog publishes a status record to the data collector.
func (e *Engine) WriteLog(fields map[string]any) error {
	return e.publish(mapi.PublishLog, fields)
}

// NotifyActive announces this node as alive.
func (e *Engine) NotifyActive() error {
	return e.publish(mapi.PublishNotifyActive, nil)
}

// RequestActive asks every node on the bus to announce itself.
func (e *Engine) RequestActive() error {
	return e.publish(mapi.PublishRequestActive, nil)
}

// SetAlertCollision logs a collision alert and re-publishes it.
func (e *Engine) SetAlertCollision() error {
	e.WriteLog(map[string]any{"alert_collision": 1})
	return e.publish(mapi.PublishAlertCollision, map[string]any{"alert_collision": true})
}

// SetScenarioEnd signals the end of the running scenario.
func (e *Engine) SetScenarioEnd() error {
	return e.publish(mapi.PublishScenarioEnd, map[string]any{"scenario_end": true})
}

// LogEgoStatus writes the float vehicle fields of status to the log topic.
// Fields of any other type are ignored.
func (e *Engine) LogEgoStatus(status map[string]any) error {
	fields := make(map[string]any, len(egoStatusFields))
	for _, key := range egoStatusFields {
		if v, ok := status[key].(float64); ok {
			fields[key] = v
		}
	}
	return e.WriteLog(fields)
}
