package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roomrelay/internal/infrastructure/signal"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// EventFrame carries a signaling frame for a connection held by another
	// instance.
	EventFrame EventType = "signal.frame"
)

const defaultChannel = "roomrelay:events"

// Event represents a distributed event
type Event struct {
	Type       EventType           `json:"type"`
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Frame      *signal.RemoteFrame `json:"frame,omitempty"`
}

// LocalDeliverer hands a remote frame to a connection of this instance.
type LocalDeliverer interface {
	DeliverRemote(f signal.RemoteFrame) bool
}

// EventBus provides event publishing and subscription for coordination
// between signaling servers sharing one Redis.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    defaultChannel,
		logger:     logger,
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type)
	return nil
}

// Deliver publishes a frame for whichever instance holds its target.
func (eb *EventBus) Deliver(ctx context.Context, frame signal.RemoteFrame) error {
	return eb.Publish(ctx, &Event{Type: EventFrame, Frame: &frame})
}

// Subscribe subscribes to events and calls handler for each event from
// another instance, until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err)
		return
	}

	if event.InstanceID == eb.instanceID {
		return
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"instance_id", event.InstanceID,
			"error", err,
		)
	}
}

// FrameHandler routes EventFrame events into local connections. Frames for
// connections held elsewhere are ignored.
func FrameHandler(local LocalDeliverer) func(*Event) error {
	return func(event *Event) error {
		if event.Type != EventFrame {
			return nil
		}
		if event.Frame == nil {
			return fmt.Errorf("frame event without frame")
		}
		local.DeliverRemote(*event.Frame)
		return nil
	}
}

var _ signal.Remote = (*EventBus)(nil)
