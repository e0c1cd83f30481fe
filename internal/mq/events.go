package mq

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// InvalidationExchange carries trend cache invalidations between replicas.
const InvalidationExchange = "trend.cache.invalidated.fanout"

type InvalidationEvent struct {
	ID     uuid.UUID `json:"id"`
	Origin string    `json:"origin"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func NewInvalidationEvent(origin, reason string) InvalidationEvent {
	return InvalidationEvent{
		ID:     uuid.New(),
		Origin: origin,
		Reason: reason,
		At:     time.Now().UTC(),
	}
}

func (e InvalidationEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeInvalidationEvent(body []byte) (InvalidationEvent, error) {
	var ev InvalidationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return InvalidationEvent{}, err
	}
	if ev.ID == uuid.Nil || ev.Origin == "" {
		return InvalidationEvent{}, errors.New("invalidation event missing id or origin")
	}
	return ev, nil
}
