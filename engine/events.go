package engine

import "time"

// EventType names a model lifecycle event.
type EventType string

const (
	EventModelCreated   EventType = "model_created"
	EventModelTrained   EventType = "model_trained"
	EventModelPredicted EventType = "model_predicted"
)

// Event is emitted after an operation has been persisted.
type Event struct {
	Type      EventType `json:"type"`
	ModelID   int64     `json:"id"`
	ModelType string    `json:"model"`
	NTrained  int       `json:"n_trained"`
	Time      time.Time `json:"time"`
}

// Notifier receives engine events. Notify is called synchronously on the
// request path and must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }
