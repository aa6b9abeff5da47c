package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	// Lifecycle events with handlers.
	EventAssetEnqueued        EventType = "asset_enqueued"
	EventSettingChanged       EventType = "setting_changed"
	EventExtensionUpdated     EventType = "extension_updated"
	EventExtensionDeactivated EventType = "extension_deactivated"
	EventThemeSwitched        EventType = "theme_switched"
	EventMaintenanceTick      EventType = "maintenance_tick"

	// Notifications for stream subscribers.
	EventQueueProcessed EventType = "queue_processed"
	EventDataWiped      EventType = "data_wiped"
)

// Extension kinds carried by EventExtensionUpdated.
const (
	ExtensionCore   = "core"
	ExtensionPlugin = "plugin"
	ExtensionTheme  = "theme"
)

// Setting actions carried by EventSettingChanged.
const (
	SettingAdded   = "added"
	SettingUpdated = "updated"
	SettingDeleted = "deleted"
)

// Event is a single lifecycle event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Asset fields (asset_enqueued).
	URL       string `json:"url,omitempty"`
	Handle    string `json:"handle,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
	Path      string `json:"path,omitempty"`
	Outcome   string `json:"outcome,omitempty"`

	// Setting fields (setting_changed).
	Setting string `json:"setting,omitempty"`
	Action  string `json:"action,omitempty"`

	// Extension fields (extension_updated, extension_deactivated).
	Kind        string   `json:"kind,omitempty"`
	Items       []string `json:"items,omitempty"`
	Plugin      string   `json:"plugin,omitempty"`
	NetworkWide bool     `json:"network_wide,omitempty"`

	// Theme fields (theme_switched): the stylesheet and template being left.
	Stylesheet string `json:"stylesheet,omitempty"`
	Template   string `json:"template,omitempty"`

	// Processing fields (queue_processed, data_wiped).
	Processed   int    `json:"processed,omitempty"`
	Activated   int    `json:"activated,omitempty"`
	Deactivated int    `json:"deactivated,omitempty"`
	Retried     int    `json:"retried,omitempty"`
	Removed     int    `json:"removed,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ErrorMsg    string `json:"error_msg,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Handler reacts to an event synchronously.
type Handler func(ctx context.Context, e Event) error

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus dispatches lifecycle events to registered handlers and fans them out
// to channel subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	handlers    map[EventType][]Handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
		handlers:    make(map[EventType][]Handler),
	}
}

// On registers h for events of type t. Handlers run in registration order.
func (b *Bus) On(t EventType, h Handler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// Dispatch runs every handler registered for e.Type, then publishes e to
// subscribers. All handlers run even if one fails; their errors are joined.
func (b *Bus) Dispatch(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", e.Type, err))
		}
	}
	b.Publish(e)
	return errors.Join(errs...)
}

// HandlerCount returns the number of handlers registered for t.
func (b *Bus) HandlerCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking). Handlers are not
// invoked; use Dispatch for that.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Slow subscriber; drop.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
