package notification

import (
	"github.com/tidwall/gjson"

	"github.com/bhandras/delight/hub/internal/syncengine"
)

// EventReady is the message event type an agent emits when it is idle and
// waiting for input.
const EventReady = "ready"

// ExtractMessageEventType returns the event type carried by a
// message-received event. Content may be an event envelope
// ({"type":"event","data":{"type":...}}) or a role-wrapped message whose
// content is one. Anything else, including malformed JSON, reports false.
func ExtractMessageEventType(evt syncengine.SyncEvent) (string, bool) {
	if evt.Type != syncengine.EventMessageReceived || evt.Message == nil {
		return "", false
	}
	content := evt.Message.Content
	if len(content) == 0 || !gjson.ValidBytes(content) {
		return "", false
	}

	root := gjson.ParseBytes(content)
	if data, ok := envelopeData(root); ok {
		return dataType(data)
	}
	if data, ok := envelopeData(root.Get("content")); ok {
		return dataType(data)
	}
	return "", false
}

func envelopeData(r gjson.Result) (gjson.Result, bool) {
	if !r.IsObject() {
		return gjson.Result{}, false
	}
	typ := r.Get("type")
	if typ.Type != gjson.String || typ.Str != "event" {
		return gjson.Result{}, false
	}
	data := r.Get("data")
	if !data.Exists() {
		return gjson.Result{}, false
	}
	return data, true
}

func dataType(data gjson.Result) (string, bool) {
	if !data.IsObject() {
		return "", false
	}
	typ := data.Get("type")
	if typ.Type != gjson.String {
		return "", false
	}
	return typ.Str, true
}
