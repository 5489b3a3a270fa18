package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lastbid-gg/lastbid/internal/models"
)

// EventType identifies a websocket event sent to clients.
type EventType string

const (
	// EventTypeRoundSnapshot carries the full round state; clients
	// treat it as last-write-wins.
	EventTypeRoundSnapshot EventType = "RoundSnapshot"
)

// TierEvent is the envelope for every message pushed to subscribers.
type TierEvent struct {
	ID        string          `json:"id"`
	Tier      string          `json:"tier"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewSnapshotEvent wraps a round snapshot for broadcast.
func NewSnapshotEvent(snap models.RoundSnapshot) (*TierEvent, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return &TierEvent{
		ID:        uuid.New().String(),
		Tier:      snap.Tier,
		Type:      EventTypeRoundSnapshot,
		Timestamp: snap.ServerTime,
		Data:      data,
	}, nil
}
