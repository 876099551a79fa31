package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cvrpnav/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Event is the callback envelope. ID doubles as the dedup key.
type Event struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TenantID string `json:"tenantId"`
	TS       string `json:"ts"`
	Data     any    `json:"data"`
}

// Enqueue schedules one signed delivery of an event for a run to url.
func (p *Publisher) Enqueue(ctx context.Context, tenantID, runID, eventType, url, secret string, data any) (string, error) {
	evt := Event{
		ID:       "evt_" + uuid.New().String(),
		Type:     eventType,
		TenantID: tenantID,
		TS:       time.Now().UTC().Format(time.RFC3339),
		Data:     data,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return p.Store.EnqueueWebhook(ctx, tenantID, runID, eventType, url, secret, body)
}
