package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
)

// PushMessage is a queued browser notification awaiting pickup.
type PushMessage struct {
	ID             string                  `json:"id"`
	ChannelID      string                  `json:"channelId"`
	NotificationID string                  `json:"notificationId"`
	Type           models.NotificationType `json:"type"`
	Title          string                  `json:"title"`
	Body           string                  `json:"body"`
	Severity       models.Severity         `json:"severity,omitempty"`
	Data           map[string]any          `json:"data,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// WebPushTransport queues notifications for subscribers to pull.
type WebPushTransport struct {
	store *store.Store
}

// NewWebPushTransport queues into st's push_queue collection.
func NewWebPushTransport(st *store.Store) *WebPushTransport {
	return &WebPushTransport{store: st}
}

// Deliver enqueues n. Queueing succeeds unless the store fails.
func (t *WebPushTransport) Deliver(_ context.Context, ch models.NotificationChannel, n models.Notification) error {
	msg := PushMessage{
		ID:             n.ID,
		ChannelID:      ch.ID,
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Body:           n.Body,
		Severity:       n.Severity,
		Data:           n.Data,
		CreatedAt:      n.CreatedAt,
	}
	if err := t.store.PutDocument(store.CollectionPushQueue, pushKey(ch.ID, n.ID), msg); err != nil {
		return fmt.Errorf("enqueue push: %w", err)
	}
	return nil
}

// Pull removes and returns up to limit queued messages for channelID, oldest first.
func (t *WebPushTransport) Pull(_ context.Context, channelID string, limit int) ([]PushMessage, error) {
	queued, err := store.LoadDocuments[PushMessage](t.store, store.CollectionPushQueue)
	if err != nil {
		return nil, fmt.Errorf("load push queue: %w", err)
	}
	out := make([]PushMessage, 0, len(queued))
	for _, msg := range queued {
		if msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for _, msg := range out {
		if err := t.store.DeleteDocument(store.CollectionPushQueue, pushKey(msg.ChannelID, msg.ID)); err != nil {
			return nil, fmt.Errorf("dequeue push: %w", err)
		}
	}
	return out, nil
}

func pushKey(channelID, id string) string {
	return channelID + ":" + id
}
