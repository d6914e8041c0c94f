package deskline

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Category names the kind of event carried by an Envelope.
type Category string

const (
	CategoryConnection       Category = "connection"
	CategoryConnectionFailed Category = "connection_failed"
	CategoryNewMessage       Category = "new_message"
	CategoryStatusUpdate     Category = "status_update"
	CategoryTypingStart      Category = "typing_start"
	CategoryTypingStop       Category = "typing_stop"
	CategoryAgentOnline      Category = "agent_online"

	// CategoryAny subscribes to every envelope, including categories this
	// package does not know about.
	CategoryAny Category = "*"
)

var knownCategories = map[Category]struct{}{
	CategoryConnection:       {},
	CategoryConnectionFailed: {},
	CategoryNewMessage:       {},
	CategoryStatusUpdate:     {},
	CategoryTypingStart:      {},
	CategoryTypingStop:       {},
	CategoryAgentOnline:      {},
}

// Known reports whether c is one of the categories defined by this package.
func (c Category) Known() bool {
	_, ok := knownCategories[c]
	return ok
}

// Lifecycle reports whether c describes the session itself rather than a
// conversation. Lifecycle envelopes are synthesized locally and are never
// filtered by conversation scope.
func (c Category) Lifecycle() bool {
	return c == CategoryConnection || c == CategoryConnectionFailed
}

// Envelope is the unit exchanged with the realtime server.
type Envelope struct {
	Type      Category        `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	malformed bool
}

// Malformed reports whether the envelope arrived as a JSON object that does
// not follow the wire format: a missing or non-string type, data that is not
// an object, or an unparseable timestamp. Malformed envelopes only reach
// CategoryAny subscribers.
func (e Envelope) Malformed() bool {
	return e.malformed
}

// NewEnvelope marshals payload into an envelope stamped with the current time.
func NewEnvelope(category Category, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", category)
	}
	return Envelope{Type: category, Data: data, Timestamp: time.Now().UTC()}, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.Wrapf(ErrInvalidEnvelope, "%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Type)
	}
	return nil
}

// ConversationID returns data.conversationId, or "" when the envelope is not
// tied to a conversation. Numeric ids are returned in their decimal form.
func (e Envelope) ConversationID() string {
	if len(e.Data) == 0 {
		return ""
	}
	var scoped struct {
		ConversationID FlexString `json:"conversationId"`
	}
	if err := json.Unmarshal(e.Data, &scoped); err != nil {
		return ""
	}
	return string(scoped.ConversationID)
}

// Encode renders the envelope in wire form. A zero timestamp is replaced by
// the current time.
func (e Envelope) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.Wrap(ErrInvalidEnvelope, "missing type")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", e.Type)
	}
	return b, nil
}

// DecodeEnvelope parses one inbound frame. A frame that is not a JSON object
// fails with ErrInvalidEnvelope and an empty envelope. A JSON object that
// breaks the wire format also fails with ErrInvalidEnvelope, but the partial
// envelope is returned marked Malformed so it can still be offered to
// wildcard subscribers. A well formed envelope of an unknown category is
// returned together with ErrUnknownCategory.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return Envelope{}, errors.Wrapf(ErrInvalidEnvelope, "malformed frame: %v", err)
	}
	if fields == nil {
		return Envelope{}, errors.Wrap(ErrInvalidEnvelope, "malformed frame: null")
	}

	var (
		env     Envelope
		reasons []string
	)
	if raw, ok := fields["type"]; ok && !isNull(raw) {
		var typ string
		if err := json.Unmarshal(raw, &typ); err != nil {
			reasons = append(reasons, "type is not a string")
		}
		env.Type = Category(typ)
	}
	if env.Type == "" && len(reasons) == 0 {
		reasons = append(reasons, "missing type")
	}
	if raw := bytes.TrimSpace(fields["data"]); len(raw) > 0 && !isNull(raw) {
		env.Data = json.RawMessage(raw)
		if raw[0] != '{' {
			reasons = append(reasons, "data is not an object")
		}
	}
	if raw, ok := fields["timestamp"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &env.Timestamp); err != nil {
			env.Timestamp = time.Time{}
			reasons = append(reasons, "unparseable timestamp")
		}
	}

	if len(reasons) > 0 {
		env.malformed = true
		return env, errors.Wrap(ErrInvalidEnvelope, strings.Join(reasons, ", "))
	}
	if !env.Type.Known() {
		return env, errors.Wrapf(ErrUnknownCategory, "%q", env.Type)
	}
	return env, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// FlexString is an id that decodes from a JSON string or number. Ids arrive
// in both forms depending on the backend.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}
