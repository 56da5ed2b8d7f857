package config

// EventType tells how a key changed in a source.
type EventType string

const (
	KeyCreated EventType = "create"
	KeyUpdated EventType = "update"
	KeyDeleted EventType = "delete"
)

// Event reports one changed key of one source. Value is the old value of a
// deleted key.
type Event struct {
	Source string
	Type   EventType
	Key    string
	Value  string
}

// EventHandler receives the changes of the keys it is registered for.
type EventHandler interface {
	OnEvent(event *Event)
	GetIdentifier() string
}

type funcHandler struct {
	id string
	fn func(*Event)
}

// NewHandler wraps fn into an EventHandler identified by id.
func NewHandler(id string, fn func(*Event)) EventHandler {
	return &funcHandler{id: id, fn: fn}
}

func (h *funcHandler) OnEvent(event *Event) {
	h.fn(event)
}

func (h *funcHandler) GetIdentifier() string {
	return h.id
}

// diffEvents lists the changes turning old into updated.
func diffEvents(source string, old, updated map[string]string) []*Event {
	var events []*Event
	for key, value := range updated {
		prev, ok := old[key]
		switch {
		case !ok:
			events = append(events, &Event{Source: source, Type: KeyCreated, Key: key, Value: value})
		case prev != value:
			events = append(events, &Event{Source: source, Type: KeyUpdated, Key: key, Value: value})
		}
	}
	for key, value := range old {
		if _, ok := updated[key]; !ok {
			events = append(events, &Event{Source: source, Type: KeyDeleted, Key: key, Value: value})
		}
	}
	return events
}
