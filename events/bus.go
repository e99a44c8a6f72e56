// Package events carries recorder notifications to the presentation layer.
package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher. A nil *Bus drops every event.
type Bus struct {
	dispatcher *event.Dispatcher
}

func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish delivers ev to the subscribers of its type. Delivery is
// asynchronous.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StateChanged:
		event.Publish(b.dispatcher, e)
	case Tick:
		event.Publish(b.dispatcher, e)
	case SourceSelected:
		event.Publish(b.dispatcher, e)
	case RecordingSaved:
		event.Publish(b.dispatcher, e)
	case SaveCancelled:
		event.Publish(b.dispatcher, e)
	case Failure:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler, whose parameter type selects the events it
// receives. It returns an unsubscribe function.
func (b *Bus) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}
	switch h := handler.(type) {
	case func(StateChanged):
		return event.Subscribe(b.dispatcher, h)
	case func(Tick):
		return event.Subscribe(b.dispatcher, h)
	case func(SourceSelected):
		return event.Subscribe(b.dispatcher, h)
	case func(RecordingSaved):
		return event.Subscribe(b.dispatcher, h)
	case func(SaveCancelled):
		return event.Subscribe(b.dispatcher, h)
	case func(Failure):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
