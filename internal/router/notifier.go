// Package router provides an in-process notification bus for segment
// lifecycle events: opened, appended and closed.
package router

import (
	"sync"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	SegmentOpened NotificationType = iota
	SegmentAppended
	SegmentClosed
	CatalogReconciled
)

func (t NotificationType) String() string {
	switch t {
	case SegmentOpened:
		return "segment_opened"
	case SegmentAppended:
		return "segment_appended"
	case SegmentClosed:
		return "segment_closed"
	case CatalogReconciled:
		return "catalog_reconciled"
	default:
		return "unknown"
	}
}

// Notification describes a change to one segment. Path is relative to the
// recording root.
type Notification struct {
	Type      NotificationType
	Path      string
	Day       int
	StartID   int64
	EndID     int64
	Samples   int64
	Timestamp int64
}

// Notifier provides an in-process pub/sub notification bus.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(notif) {
			select {
			case sub.Ch <- notif:
			default:
				// Channel full - drop notification, do NOT block
			}
		}
		return true
	})
}

// Subscribe adds a subscriber. Types, when non-empty, restricts delivery to
// those notification types; prefixes restricts delivery to paths with one of
// the given prefixes, e.g. "day-3/".
func (n *Notifier) Subscribe(id string, types []NotificationType, prefixes ...string) *Subscriber {
	if id == "" {
		id = "sub_" + uuid.NewString()
	}
	sub := &Subscriber{
		ID:       id,
		Types:    types,
		Prefixes: prefixes,
		Ch:       make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber from the notifier and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID       string
	Types    []NotificationType
	Prefixes []string
	Ch       chan Notification
}

func (s *Subscriber) matches(notif Notification) bool {
	if len(s.Types) > 0 {
		ok := false
		for _, t := range s.Types {
			if t == notif.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.Prefixes) == 0 {
		return true // No filters - receive all notifications
	}
	for _, p := range s.Prefixes {
		if len(notif.Path) >= len(p) && notif.Path[:len(p)] == p {
			return true
		}
	}
	return false
}
