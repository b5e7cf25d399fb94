package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// EventChange announces that seat counters or details of an event moved.
type EventChange struct {
	EventID int64     `json:"event_id"`
	Reason  string    `json:"reason"`
	Origin  string    `json:"origin"`
	At      time.Time `json:"at"`
}

// EventsPubSub announces event changes to downstream consumers. Origin names
// the instance that made the change.
type EventsPubSub struct {
	rdb     *redis.Client
	channel string
	origin  string
}

func NewEventsPubSub(rdb *redis.Client) *EventsPubSub {
	return &EventsPubSub{
		rdb:     rdb,
		channel: ChannelEventsChanged(),
		origin:  uuid.NewString(),
	}
}

// PublishEventChanged is a no-op on a nil receiver.
func (p *EventsPubSub) PublishEventChanged(ctx context.Context, eventID int64, reason string) error {
	if p == nil {
		return nil
	}

	payload, err := json.Marshal(EventChange{
		EventID: eventID,
		Reason:  reason,
		Origin:  p.origin,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis.PublishEventChanged:%w", err)
	}

	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PublishEventChanged:%w", err)
	}
	metrics.EventNotifications.Inc()

	return nil
}
