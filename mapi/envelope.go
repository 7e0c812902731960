package mapi

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/d1nch8g/avsim-mixer/fault"
)

// Payload field names.
const (
	FieldApp         = "app"
	FieldFile        = "file"
	FieldVolume      = "volume"
	FieldFadeOutTime = "fadeout_time"
)

// Envelope is one decoded inbound message.
type Envelope struct {
	Topic   Topic
	App     string
	Payload Payload
}

// Payload gives typed access to the flat JSON object of a message.
type Payload struct {
	obj gjson.Result
}

// Parse decodes raw as a JSON object carrying a string app field.
func Parse(topic Topic, raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, fault.New(fault.CodeMalformedPayload, "mapi.parse", "%s: invalid json", topic)
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return Envelope{}, fault.New(fault.CodeMalformedPayload, "mapi.parse", "%s: payload is not an object", topic)
	}

	app := obj.Get(FieldApp)
	if !app.Exists() || app.Type != gjson.String {
		return Envelope{}, fault.New(fault.CodeMissingIdentity, "mapi.parse", "%s: no app field", topic)
	}

	return Envelope{
		Topic:   topic,
		App:     app.String(),
		Payload: Payload{obj: obj},
	}, nil
}

func (p Payload) get(key string) gjson.Result {
	return p.obj.Get(escapeKey(key))
}

// Has reports whether key is present.
func (p Payload) Has(key string) bool {
	return p.get(key).Exists()
}

// String returns a string field.
func (p Payload) String(key string) (string, bool) {
	v := p.get(key)
	if v.Type != gjson.String {
		return "", false
	}
	return v.String(), true
}

// Float returns a numeric field.
func (p Payload) Float(key string) (float64, bool) {
	v := p.get(key)
	if v.Type != gjson.Number {
		return 0, false
	}
	return v.Float(), true
}

// Build encodes fields as a flat JSON object stamped with app. Values must
// be strings, booleans or numbers.
func Build(app string, fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == FieldApp {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	raw := []byte("{}")
	var err error
	for _, k := range keys {
		v := fields[k]
		switch v.(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return nil, fault.New(fault.CodeInvalidArgument, "mapi.build", "field %q has non-primitive type %T", k, v)
		}
		raw, err = sjson.SetBytes(raw, escapeKey(k), v)
		if err != nil {
			return nil, fmt.Errorf("failed to set field %q: %w", k, err)
		}
	}

	raw, err = sjson.SetBytes(raw, FieldApp, app)
	if err != nil {
		return nil, fmt.Errorf("failed to stamp app: %w", err)
	}
	return raw, nil
}

var keyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

// escapeKey makes a literal key safe to use as a gjson/sjson path.
func escapeKey(key string) string {
	return keyEscaper.Replace(key)
}
