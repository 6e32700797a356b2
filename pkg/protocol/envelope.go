package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the universal message structure for all inbound commands
// and outbound events. Exactly one of Content/Metadata may be empty but
// both may be present. Seq and EventID are server-assigned on outbound
// events only.
type Envelope struct {
	Event        string         `json:"event"`
	Timestamp    string         `json:"timestamp"`
	SessionID    string         `json:"session_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
	Seq          int64          `json:"seq,omitempty"`
	Content      any            `json:"content,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ShowContent  string         `json:"show_content,omitempty"`
}

// New creates an envelope for the given event name with the timestamp set
// to the current UTC time.
func New(event string) *Envelope {
	return &Envelope{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// WithContent sets the content payload.
func (e *Envelope) WithContent(content any) *Envelope {
	e.Content = content
	return e
}

// WithMetadata sets the metadata map.
func (e *Envelope) WithMetadata(md map[string]any) *Envelope {
	e.Metadata = md
	return e
}

// WithStepID sets the correlation token for request/response events.
func (e *Envelope) WithStepID(stepID string) *Envelope {
	e.StepID = stepID
	return e
}

// Meta adds a single metadata key, allocating the map on first use.
func (e *Envelope) Meta(key string, value any) *Envelope {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// Decode parses a raw JSON frame into an envelope. The frame must be a
// JSON object with a non-empty event name; anything else is a bad frame.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("frame missing event name")
	}
	return &env, nil
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.Event, err)
	}
	return data, nil
}

// ContentMap returns the content as a map when it is a JSON object,
// decoding from json.RawMessage-style values produced by Decode.
func (e *Envelope) ContentMap() map[string]any {
	switch c := e.Content.(type) {
	case map[string]any:
		return c
	default:
		return nil
	}
}

// ContentString returns the content when it is plain prose.
func (e *Envelope) ContentString() string {
	if s, ok := e.Content.(string); ok {
		return s
	}
	return ""
}

// MetaString returns a string metadata value, or "" when absent.
func (e *Envelope) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if s, ok := e.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetaInt returns an integer metadata value, tolerating the float64 that
// encoding/json produces for numbers, or 0 when absent.
func (e *Envelope) MetaInt(key string) (int64, bool) {
	if e.Metadata == nil {
		return 0, false
	}
	switch v := e.Metadata[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}
