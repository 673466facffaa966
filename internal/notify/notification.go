package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rbright/oslctl/internal/errs"
)

// Notification is one decoded push envelope.
type Notification struct {
	Type   string
	Fields map[string]json.RawMessage
	Raw    []byte
}

// Decode parses a push envelope. The type field is required.
func Decode(payload []byte) (Notification, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Notification{}, &errs.ResponseFormatError{Reason: fmt.Sprintf("notification is not a JSON object: %v", err)}
	}
	var kind string
	if raw, ok := fields["type"]; ok {
		_ = json.Unmarshal(raw, &kind)
	}
	if kind == "" {
		return Notification{}, &errs.ResponseFormatError{Reason: "notification has no type"}
	}
	delete(fields, "type")
	return Notification{Type: kind, Fields: fields, Raw: bytes.Clone(payload)}, nil
}

// String returns a string field.
func (n Notification) String(key string) (string, bool) {
	raw, ok := n.Fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Int returns an integer field, accepting numeric strings.
func (n Notification) Int(key string) (int, bool) {
	raw, ok := n.Fields[key]
	if !ok {
		return 0, false
	}
	var v int
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	if s, ok := n.String(key); ok {
		if v, err := strconv.Atoi(s); err == nil {
			return v, true
		}
	}
	return 0, false
}

func (n Notification) ActorUID() string {
	if uid, ok := n.String("actor_uid"); ok {
		return uid
	}
	uid, _ := n.String("uid")
	return uid
}

func (n Notification) HID() string {
	hid, _ := n.String("hid")
	return hid
}

// Failed reports whether the notification signals a failed execution.
func (n Notification) Failed() bool {
	return n.Type == ExecFailed || n.Type == CheckFailed
}
