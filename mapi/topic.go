// Package mapi defines the message API of the mixer: the topic taxonomy and
// the JSON envelope exchanged over the bus.
package mapi

// Topic identifies an inbound message API.
type Topic int

const (
	TopicUnknown Topic = iota
	TopicPlay
	TopicStop
	TopicStopAll
	TopicFadeOut
	TopicSetVolume
	TopicRequestActive
	TopicAlertCollision
)

var topicNames = map[Topic]string{
	TopicPlay:           "flame/avsim/mixer/mapi_play",
	TopicStop:           "flame/avsim/mixer/mapi_stop",
	TopicStopAll:        "flame/avsim/mixer/mapi_stop_all",
	TopicFadeOut:        "flame/avsim/mixer/mapi_fadeout",
	TopicSetVolume:      "flame/avsim/mixer/mapi_set_volume",
	TopicRequestActive:  "flame/avsim/mapi_request_active",
	TopicAlertCollision: "flame/avsim/carla/notify_alert_collision",
}

var topicsByName = func() map[string]Topic {
	m := make(map[string]Topic, len(topicNames))
	for t, name := range topicNames {
		m[name] = t
	}
	return m
}()

// Outbound topics.
const (
	PublishRequestActive  = "flame/avsim/mapi_request_active"
	PublishNotifyActive   = "flame/avsim/carla/notify_active"
	PublishLog            = "flame/avsim/carla/log"
	PublishAlertCollision = "flame/avsim/carla/mapi_set_alert_collision"
	PublishScenarioEnd    = "flame/avsim/carla/set_scenario_end"
)

// String returns the bus topic, or "unknown".
func (t Topic) String() string {
	if name, ok := topicNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseTopic maps a bus topic to its identifier. Unrecognized topics map to
// TopicUnknown.
func ParseTopic(name string) Topic {
	return topicsByName[name]
}

// Subscriptions lists every inbound topic in a stable order.
func Subscriptions() []Topic {
	return []Topic{
		TopicPlay,
		TopicStop,
		TopicStopAll,
		TopicFadeOut,
		TopicSetVolume,
		TopicRequestActive,
		TopicAlertCollision,
	}
}
