// Package events is the relay's single ordered stream of lifecycle events.
//
// Producers append synchronously through Bus.Publish. Consumers never get
// callbacks: each subscriber owns a channel fed by one dispatcher goroutine
// that reads the bounded ring by sequence number.
package events

import (
	"encoding/json"
	"time"
)

// Type is the tag of an event.
type Type string

// Order and fill events.
const (
	OrderCreated            Type = "order_created"
	OrderInvalid            Type = "order_invalid"
	OrderFilled             Type = "order_filled"
	OrderFilledPartially    Type = "order_filled_partially"
	OrderCancelled          Type = "order_cancelled"
	OrderExpired            Type = "order_expired"
	SecretShared            Type = "secret_shared"
	ProgressUpdate          Type = "progress_update"
	RecommendationGenerated Type = "recommendation_generated"
	FragmentReady           Type = "fragment_ready"
	Recovery                Type = "recovery"
)

// Swap events.
const (
	SwapCreated     Type = "swap_created"
	SwapLocked      Type = "swap_locked"
	SwapCompleted   Type = "swap_completed"
	SwapExpired     Type = "swap_expired"
	RefundProcessed Type = "refund_processed"
)

// Market events.
const (
	GasUpdate Type = "gas_update"
)

var allTypes = []Type{
	OrderCreated, OrderInvalid, OrderFilled, OrderFilledPartially, OrderCancelled,
	OrderExpired, SecretShared, ProgressUpdate, RecommendationGenerated,
	FragmentReady, Recovery, SwapCreated, SwapLocked, SwapCompleted, SwapExpired,
	RefundProcessed, GasUpdate,
}

// AllTypes returns every known event type.
func AllTypes() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// IsValid reports whether t is a known event type.
func (t Type) IsValid() bool {
	for _, k := range allTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Metadata is the routing envelope of an event.
type Metadata struct {
	OrderHash string `json:"orderHash,omitempty"`
	SwapID    string `json:"swapId,omitempty"`
	Resolver  string `json:"resolver,omitempty"`
	ChainID   string `json:"chainId,omitempty"`
	Urgent    bool   `json:"urgent,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is an immutable fact about a transition. Data is already encoded so
// no holder can mutate it after emission.
type Event struct {
	ID        string          `json:"eventId"`
	Seq       uint64          `json:"seq"`
	Type      Type            `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  Metadata        `json:"metadata"`
}

// Size is the encoded size of the event, used for bandwidth quotas.
func (e *Event) Size() int {
	return len(e.Data) + len(e.ID) + len(e.Type) + 64 +
		len(e.Metadata.OrderHash) + len(e.Metadata.SwapID) + len(e.Metadata.Resolver) + len(e.Metadata.ChainID)
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// IsError reports whether the event records a failure.
func (e *Event) IsError() bool {
	return e.Type == OrderInvalid || e.Metadata.Error != "" || e.Metadata.Status == "failed"
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(t Type, data interface{}, meta Metadata) (Event, error)
}
