package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/runlet/runlet/pkg/models"
)

// RunEventsTopic is the pub/sub topic carrying run state-transition events.
const RunEventsTopic = "runlet.run-events"

// EventBus publishes run state-transition events to the observability sink.
// It is backed by an in-process Watermill pub/sub; external collaborators
// subscribe to the topic and decide how to render or ship the events.
type EventBus struct {
	pubsub *gochannel.GoChannel
	logger Logger
}

func NewEventBus(logger Logger) *EventBus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewStdLogger(false, false),
	)
	return &EventBus{pubsub: pubsub, logger: logger}
}

// Publish emits a single run event. Publishing is best effort: a failure is
// logged and never fails the run that triggered it.
func (b *EventBus) Publish(ev models.RunEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Errorf("Failed to marshal run event for %s '%s': %v", ev.Kind, ev.RunID, err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(RunEventsTopic, msg); err != nil {
		b.logger.Errorf("Failed to publish run event for %s '%s': %v", ev.Kind, ev.RunID, err)
	}
}

// Subscribe returns a channel of raw event messages. Callers must Ack each
// message.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, RunEventsTopic)
}

func (b *EventBus) Close() error {
	return b.pubsub.Close()
}

// StartLogSink subscribes to the bus and writes one timestamped log line per
// event until ctx is cancelled. This is the default observability
// collaborator; the exact text is not load-bearing.
func StartLogSink(ctx context.Context, bus *EventBus, logger Logger) error {
	messages, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range messages {
			var ev models.RunEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Errorf("Dropping malformed run event: %v", err)
				msg.Ack()
				continue
			}
			if ev.Message != "" {
				logger.Infof("%s '%s' (%s) -> %s after %d attempt(s): %s",
					ev.Kind, ev.Name, ev.RunID, ev.State, ev.Attempts, ev.Message)
			} else {
				logger.Infof("%s '%s' (%s) -> %s", ev.Kind, ev.Name, ev.RunID, ev.State)
			}
			msg.Ack()
		}
	}()
	return nil
}
