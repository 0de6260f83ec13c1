// Package message provides the immutable unit of communication between pipeline stages.
package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StageID identifies a pipeline role (researcher, writer, ...).
type StageID string

// None is the sender of seed messages and the receiver of terminal messages.
const None StageID = "none"

// Built-in content pipeline stages.
const (
	StageResearcher StageID = "researcher"
	StageWriter     StageID = "writer"
	StageEditor     StageID = "editor"
	StageSEO        StageID = "seo"
	StageImage      StageID = "image"
	StagePublisher  StageID = "publisher"
)

// Kind categorizes the purpose of a message.
type Kind string

const (
	// KindTask asks a stage to do its work on the payload.
	KindTask Kind = "task"

	// KindQuery asks a stage for information; a reply is optional.
	KindQuery Kind = "query"

	// KindControl carries runtime commands (shutdown, cancel).
	KindControl Kind = "control"

	// KindError reports a failure back to the original sender.
	KindError Kind = "error"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindQuery, KindControl, KindError:
		return true
	}
	return false
}

// Control commands carried in the "command" payload field.
const (
	CommandShutdown = "shutdown"
	CommandCancel   = "cancel"
)

// Well-known payload fields.
const (
	FieldCommand           = "command"
	FieldError             = "error"
	FieldErrorType         = "error_type"
	FieldRetryable         = "retryable"
	FieldStage             = "stage"
	FieldOriginalMessageID = "original_message_id"
	// FieldReplyTo marks a query as the answer to an earlier query id.
	FieldReplyTo = "reply_to"
)

// Payload is arbitrary structured content, opaque to the routing layer.
type Payload map[string]any

// Clone returns a deep copy of p. A nil payload clones to an empty one.
func (p Payload) Clone() Payload {
	return clonePayload(p)
}

// Message is immutable once constructed. All fields are unexported and every
// accessor that could leak internal state returns a copy.
type Message struct {
	id        string
	runID     string
	sender    StageID
	receiver  StageID
	kind      Kind
	payload   Payload
	createdAt time.Time
}

// New creates a message. An empty sender becomes None. The payload is deep-copied.
func New(runID string, sender, receiver StageID, kind Kind, payload Payload) Message {
	return newAt(time.Now(), runID, sender, receiver, kind, payload)
}

func newAt(now time.Time, runID string, sender, receiver StageID, kind Kind, payload Payload) Message {
	if sender == "" {
		sender = None
	}
	if receiver == "" {
		receiver = None
	}
	// Round(0) drops the monotonic reading so the timestamp survives a round trip.
	createdAt := now.UTC().Round(0)
	return Message{
		id:        generateID(createdAt, sender, receiver),
		runID:     runID,
		sender:    sender,
		receiver:  receiver,
		kind:      kind,
		payload:   clonePayload(payload),
		createdAt: createdAt,
	}
}

// NewTask creates a task message.
func NewTask(runID string, sender, receiver StageID, payload Payload) Message {
	return New(runID, sender, receiver, KindTask, payload)
}

// NewControl creates a control message carrying command.
func NewControl(runID string, receiver StageID, command string) Message {
	return New(runID, None, receiver, KindControl, Payload{FieldCommand: command})
}

// generateID derives an id from creation time, sender and receiver. The uuid
// suffix keeps ids unique when two messages share a nanosecond.
func generateID(at time.Time, sender, receiver StageID) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s-%s-%s", at.UnixNano(), sender, receiver, suffix)
}

func (m Message) ID() string           { return m.id }
func (m Message) RunID() string        { return m.runID }
func (m Message) Sender() StageID      { return m.sender }
func (m Message) Receiver() StageID    { return m.receiver }
func (m Message) Kind() Kind           { return m.kind }
func (m Message) CreatedAt() time.Time { return m.createdAt }

// Payload returns a deep copy of the payload.
func (m Message) Payload() Payload {
	return clonePayload(m.payload)
}

// Has reports whether the payload carries key.
func (m Message) Has(key string) bool {
	_, ok := m.payload[key]
	return ok
}

// Value returns a deep copy of a single payload field.
func (m Message) Value(key string) (any, bool) {
	v, ok := m.payload[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// StringField returns a payload field as a string, or "" if absent or not a string.
func (m Message) StringField(key string) string {
	s, _ := m.payload[key].(string)
	return s
}

// Command returns the control command, or "" for non-control messages.
func (m Message) Command() string {
	if m.kind != KindControl {
		return ""
	}
	return m.StringField(FieldCommand)
}

// IsZero reports whether m is the zero Message.
func (m Message) IsZero() bool {
	return m.id == ""
}

// Next derives the outbound message a stage produces from m: same run, the
// stage as sender, receiver left as None for the router to fill in.
func (m Message) Next(from StageID, payload Payload) Message {
	return New(m.runID, from, None, KindTask, payload)
}

// Forward readdresses m as a fresh message from one stage to another.
// The payload is carried over unchanged.
func (m Message) Forward(from, to StageID) Message {
	return New(m.runID, from, to, m.kind, m.payload)
}

// ErrorReply builds an error message from stage `from` back to m's sender.
// extra fields are merged into the payload (error_type, retryable, ...).
func (m Message) ErrorReply(from StageID, reason string, extra Payload) Message {
	payload := Payload{
		FieldError:             reason,
		FieldOriginalMessageID: m.id,
		FieldStage:             string(from),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return New(m.runID, from, m.sender, KindError, payload)
}

// Reply answers the query m from stage `from`. The reply is itself a query
// tagged with reply_to so the asking stage never treats it as work.
func (m Message) Reply(from StageID, payload Payload) Message {
	p := clonePayload(payload)
	p[FieldReplyTo] = m.id
	return New(m.runID, from, m.sender, KindQuery, p)
}

// IsReply reports whether m answers an earlier query.
func (m Message) IsReply() bool {
	return m.kind == KindQuery && m.StringField(FieldReplyTo) != ""
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s->%s [%s] run=%s", m.kind, m.sender, m.receiver, m.id, m.runID)
}

// Equal compares two messages field-for-field.
func (m Message) Equal(o Message) bool {
	if m.id != o.id || m.runID != o.runID || m.sender != o.sender ||
		m.receiver != o.receiver || m.kind != o.kind || !m.createdAt.Equal(o.createdAt) {
		return false
	}
	a, err := json.Marshal(m.payload)
	if err != nil {
		return false
	}
	b, err := json.Marshal(o.payload)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// wireMessage is the JSON shape of a Message.
type wireMessage struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	Sender    StageID   `json:"sender"`
	Receiver  StageID   `json:"receiver"`
	Kind      Kind      `json:"message_type"`
	Payload   Payload   `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:        m.id,
		RunID:     m.runID,
		Sender:    m.sender,
		Receiver:  m.receiver,
		Kind:      m.kind,
		Payload:   m.payload,
		CreatedAt: m.createdAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler. It is the only way to populate
// an existing Message value and is meant for decoding into a zero Message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("message: missing id")
	}
	if w.Receiver == "" {
		return fmt.Errorf("message %s: missing receiver", w.ID)
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("message %s: invalid kind %q", w.ID, w.Kind)
	}
	sender := w.Sender
	if sender == "" {
		sender = None
	}
	*m = Message{
		id:        w.ID,
		runID:     w.RunID,
		sender:    sender,
		receiver:  w.Receiver,
		kind:      w.Kind,
		payload:   clonePayload(w.Payload),
		createdAt: w.CreatedAt.UTC(),
	}
	return nil
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies maps and slices of any element type. Pointers,
// structs, channels and funcs are shared with the original.
func cloneValue(v any) any {
	switch val := v.(type) {
	case Payload:
		return clonePayload(val)
	case map[string]any:
		return map[string]any(clonePayload(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = map[string]any(clonePayload(item))
		}
		return out
	default:
		return cloneReflect(v)
	}
}

func cloneReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneElem(rv.Index(i)))
		}
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value()))
		}
		return out.Interface()
	default:
		return v
	}
}

// cloneElem copies one slice element or map value, keeping its static type.
func cloneElem(ev reflect.Value) reflect.Value {
	if !ev.IsValid() || (ev.Kind() == reflect.Interface && ev.IsNil()) {
		return ev
	}
	if !ev.CanInterface() {
		return ev
	}
	copied := reflect.ValueOf(cloneValue(ev.Interface()))
	if !copied.IsValid() {
		return reflect.Zero(ev.Type())
	}
	if ev.Kind() == reflect.Interface {
		out := reflect.New(ev.Type()).Elem()
		out.Set(copied)
		return out
	}
	return copied
}
