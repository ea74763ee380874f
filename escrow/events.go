package escrow

import (
	"time"

	"go-tweetescrow/model"
)

type EventType string

const (
	EventTaskCreated   EventType = "task.created"
	EventTaskFulfilled EventType = "task.fulfilled"
	EventTaskRejected  EventType = "task.rejected"
	EventTaskWithdrawn EventType = "task.withdrawn"
	EventTaskRefunded  EventType = "task.refunded"
)

type Event struct {
	Type EventType
	Task model.Task
	At   time.Time
}

type Emitter interface {
	Emit(Event)
}

type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

func eventFor(to model.Status) EventType {
	switch to {
	case model.StatusFulfilled:
		return EventTaskFulfilled
	case model.StatusRejected:
		return EventTaskRejected
	case model.StatusWithdrawn:
		return EventTaskWithdrawn
	case model.StatusRefunded:
		return EventTaskRefunded
	default:
		return EventTaskCreated
	}
}
