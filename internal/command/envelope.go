// Package command is the canonical encoding of engine commands, queries, and responses.
package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// TypeBuiltin is the only command type the engine accepts from this client.
const TypeBuiltin = "builtin"

// Request is anything that can be sent over the command connection.
type Request interface {
	// Name identifies the request in logs and errors.
	Name() string
	// WithPassword returns a copy carrying the server password.
	WithPassword(password string) Request
}

// Command is one entry of an envelope. Fields are declared in key order so the encoding is
// byte-stable.
type Command struct {
	ActorUID string         `json:"actor_uid,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Name     string         `json:"command"`
	HID      string         `json:"hid,omitempty"`
	Type     string         `json:"type"`
}

// Project groups commands addressed to one project.
type Project struct {
	Commands []Command `json:"commands"`
}

// Envelope is the top-level command request.
type Envelope struct {
	Password string    `json:"Password,omitempty"`
	Projects []Project `json:"projects"`
}

// NewEnvelope places cmds, in order, in a single project.
func NewEnvelope(cmds ...Command) Envelope {
	list := make([]Command, len(cmds))
	copy(list, cmds)
	return Envelope{Projects: []Project{{Commands: list}}}
}

// Commands flattens all commands in submission order.
func (e Envelope) Commands() []Command {
	var out []Command
	for _, p := range e.Projects {
		out = append(out, p.Commands...)
	}
	return out
}

func (e Envelope) Name() string {
	cmds := e.Commands()
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	return strings.Join(names, ",")
}

func (e Envelope) WithPassword(password string) Request {
	e.Password = password
	return e
}

// Encode renders a request as compact JSON without HTML escaping.
func Encode(req any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeEnvelope parses an envelope produced by Encode.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
