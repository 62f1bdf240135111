package bus

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of a signal.
type Kind string

const (
	// System lifecycle
	KindSystemReady         Kind = "system.ready"
	KindSystemShutdown      Kind = "system.shutdown"
	KindSystemConfigChanged Kind = "system.config_changed"

	// Gateway (platform adapters)
	KindGatewayConnected    Kind = "gateway.connected"
	KindGatewayDisconnected Kind = "gateway.disconnected"
	KindGatewayMessageIn    Kind = "gateway.message_in"
	KindGatewayMessageOut   Kind = "gateway.message_out"

	// Agent loop
	KindIntellectRequest    Kind = "intellect.request"
	KindIntellectResponse   Kind = "intellect.response"
	KindIntellectToolCall   Kind = "intellect.tool_call"
	KindIntellectToolResult Kind = "intellect.tool_result"

	// Packs
	KindPackLoaded   Kind = "pack.loaded"
	KindPackUnloaded Kind = "pack.unloaded"
	KindPackError    Kind = "pack.error"

	KindCustom Kind = "custom"
)

// Priority orders handlers; lower runs earlier.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Signal is one occurrence published on the bus.
type Signal struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Payload   any            `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	consumed atomic.Bool
}

// NewSignal creates a signal with a fresh ID and the current time.
func NewSignal(kind Kind, payload any, source string) *Signal {
	return &Signal{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// Consume stops dispatch of the signal to any later handler.
func (s *Signal) Consume() { s.consumed.Store(true) }

// Consumed reports whether a handler consumed the signal.
func (s *Signal) Consumed() bool { return s.consumed.Load() }
