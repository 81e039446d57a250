// Package ledger provides the append-only settlement event log and the
// emitter that stamps events with per-entity sequence numbers before fanning
// them out to the event bus.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies ledger events.
type EventType string

const (
	EventSubmitted       EventType = "SUBMITTED"
	EventDeduped         EventType = "DEDUPED"
	EventBatchCreated    EventType = "BATCH_CREATED"
	EventBatchOptimized  EventType = "BATCH_OPTIMIZED"
	EventBatchFallback   EventType = "BATCH_FALLBACK"
	EventBatchInfeasible EventType = "BATCH_INFEASIBLE"
	EventBatchNetted     EventType = "BATCH_NETTED"
)

// Event is one immutable ledger record. Sequence numbers are contiguous and
// monotonically increasing per entity, so consumers can re-establish causal
// order (SUBMITTED before BATCH_CREATED before BATCH_NETTED) even when bus
// delivery races.
type Event struct {
	Type      EventType       `json:"event_type"`
	EntityID  string          `json:"entity_id"`
	Window    string          `json:"window,omitempty"`
	Pair      string          `json:"pair,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// NewEvent builds an event with a JSON-marshaled payload. Sequence and
// EmittedAt are stamped by the emitter.
func NewEvent(typ EventType, entityID, window, pair string, payload interface{}) (Event, error) {
	ev := Event{
		Type:     typ,
		EntityID: entityID,
		Window:   window,
		Pair:     pair,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		ev.Payload = raw
	}
	return ev, nil
}
