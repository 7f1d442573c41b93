package domain

// EventType identifies one change-notification event.
type EventType string

// Change event types delivered to subscribers.
const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
	// EventPatch carries the field-level diff accompanying an update.
	EventPatch EventType = "patch"
	// EventMove signals that a document changed lifecycle state and should
	// be repositioned, not removed, in the subscriber's view.
	EventMove EventType = "move"
)

// EventEnvelope is the wire payload published per topic and subscriber set.
type EventEnvelope struct {
	Event EventType `json:"event"`
	// Data carries projected documents, or bare ids for delete events.
	Data []any `json:"data"`
	// Partial marks patch payloads that contain only changed fields.
	Partial bool `json:"partial,omitempty"`
	// ID is set on patch and move events to identify the target document.
	ID string `json:"_id,omitempty"`
}

// StoreTopic returns the pub/sub topic carrying a store's change events.
func StoreTopic(storeName string) string {
	return "store." + storeName
}

// AccountTopic returns the dedicated per-user channel.
func AccountTopic(userID string) string {
	return "account." + userID
}
