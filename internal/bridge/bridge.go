package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/bridgectl/internal/protocol/session"
)

// Bridge is the capability surface a host application consumes.
type Bridge interface {
	GetSide() *Future[Side]
	SendMessageToOtherSide(msg Message) *Future[bool]
	AddOnMessageListener(l Listener)
	RemoveOnMessageListener(l Listener)
	ShowOverlay() *Future[struct{}]
	HideOverlay() *Future[struct{}]
}

// Side is the role this context holds in a paired session.
type Side uint8

const (
	SideNone Side = Side(session.SideNone)
	SideFar  Side = Side(session.SideFar)
	SideNear Side = Side(session.SideNear)
)

func (s Side) String() string {
	switch s {
	case SideFar:
		return "far"
	case SideNear:
		return "near"
	default:
		return "none"
	}
}

// Valid reports whether s is one of the two pairable roles.
func (s Side) Valid() bool {
	return s == SideFar || s == SideNear
}

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "near":
		return SideNear, nil
	case "far":
		return SideFar, nil
	case "none", "":
		return SideNone, nil
	default:
		return SideNone, fmt.Errorf("bridge: unknown side %q", raw)
	}
}

// Message is an opaque payload. Its bytes are expected to be JSON, but the
// bridge never inspects them.
type Message struct {
	Data []byte
}

// NewMessage copies b into a new Message.
func NewMessage(b []byte) Message {
	return Message{Data: append([]byte(nil), b...)}
}

// NewJSONMessage encodes v. An error here means v was not serializable.
func NewJSONMessage(v any) (Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("bridge: message not serializable: %w", err)
	}
	return Message{Data: b}, nil
}

func (m Message) Clone() Message {
	return NewMessage(m.Data)
}

// DecodeJSON unmarshals the payload into v.
func (m Message) DecodeJSON(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Listener receives inbound messages. Implementations are compared by
// reference, so they must be comparable values (pointer receivers are).
type Listener interface {
	OnMessage(msg Message)
}

// FuncListener adapts a func to Listener. Keep the returned pointer to
// remove it later.
type FuncListener struct {
	fn func(Message)
}

func NewListener(fn func(Message)) *FuncListener {
	return &FuncListener{fn: fn}
}

func (l *FuncListener) OnMessage(msg Message) {
	if l.fn != nil {
		l.fn(msg)
	}
}
