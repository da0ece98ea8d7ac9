package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/safar-saathi/careflow/internal/shared/events"
)

// LogProvider writes notifications to the log
type LogProvider struct {
	log zerolog.Logger
}

func NewLogProvider(log zerolog.Logger) *LogProvider {
	return &LogProvider{log: log}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(ctx context.Context, n *Notification) error {
	p.log.Info().
		Str("notification_id", n.ID).
		Str("kind", n.Kind).
		Str("priority", string(n.Priority)).
		Str("recipient_clinic_id", n.RecipientClinicID.String()).
		Str("resource_id", n.ResourceID.String()).
		Msg(n.Subject)
	return nil
}

// RedisInboxProvider pushes notifications onto a capped per-clinic list that
// clinic dashboards poll
type RedisInboxProvider struct {
	client redis.Cmdable
	size   int64
}

// NewRedisInboxProvider keeps at most size entries per inbox
func NewRedisInboxProvider(client redis.Cmdable, size int) *RedisInboxProvider {
	if size <= 0 {
		size = 500
	}
	return &RedisInboxProvider{client: client, size: int64(size)}
}

func (p *RedisInboxProvider) Name() string { return "redis_inbox" }

// InboxKey is the list a clinic's notifications land in
func InboxKey(n *Notification) string {
	if n.RecipientClinicID.IsZero() {
		return fmt.Sprintf("careflow:inbox:patient:%s", n.PatientID)
	}
	return fmt.Sprintf("careflow:inbox:%s", n.RecipientClinicID)
}

func (p *RedisInboxProvider) Send(ctx context.Context, n *Notification) error {
	if n.RecipientClinicID.IsZero() && n.PatientID.IsZero() {
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := InboxKey(n)
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, p.size-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

// EventBusProvider publishes notifications as events on the bus
type EventBusProvider struct {
	publisher events.Publisher
}

func NewEventBusProvider(publisher events.Publisher) *EventBusProvider {
	return &EventBusProvider{publisher: publisher}
}

func (p *EventBusProvider) Name() string { return "event_bus" }

func (p *EventBusProvider) Send(ctx context.Context, n *Notification) error {
	event := events.NewEvent(n.Kind, n.ResourceType, n.ResourceID, n)
	event.ID = n.ID
	event.Timestamp = n.CreatedAt
	return p.publisher.Publish(ctx, event)
}
