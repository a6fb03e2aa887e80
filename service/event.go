package service

import (
	"github.com/duke-git/lancet/v2/eventbus"
	"github.com/google/uuid"
)

const (
	TopicStageSaved      = "stage.saved"
	TopicStageSaveFailed = "stage.save_failed"
)

type Event struct {
	Type    string
	SaveID  string
	Path    string
	Content string
	Err     error
}

// EventBus fans save results out to whoever listens (notification hub, logs).
type EventBus struct {
	bus *eventbus.EventBus[Event]
}

func NewEventBus() *EventBus {
	return &EventBus{bus: eventbus.NewEventBus[Event]()}
}

func NewSaveID() string {
	return uuid.New().String()
}

func (b *EventBus) PublishSaved(saveID, path, content string) {
	b.publish(Event{
		Type:    TopicStageSaved,
		SaveID:  saveID,
		Path:    path,
		Content: content,
	})
}

func (b *EventBus) PublishFailed(saveID, path string, err error) {
	b.publish(Event{
		Type:   TopicStageSaveFailed,
		SaveID: saveID,
		Path:   path,
		Err:    err,
	})
}

func (b *EventBus) publish(event Event) {
	b.bus.Publish(eventbus.Event[Event]{Topic: event.Type, Payload: event})
}

// Subscribe registers a synchronous handler, it runs on the publishing goroutine.
func (b *EventBus) Subscribe(topic string, handler func(event Event)) {
	b.bus.Subscribe(topic, handler, false, 0, nil)
}
