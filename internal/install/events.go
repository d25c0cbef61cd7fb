package install

import (
	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/packages"
)

// EventKind tells which field of an Event is set.
type EventKind int

const (
	EventState EventKind = iota
	EventMessage
	EventPackage
	EventObject
	EventAdvisory
)

// Event is pushed to a Notifier as the run progresses.
type Event struct {
	Kind    EventKind
	State   State
	Message string
	Package packages.PackageStart
	Object  packages.ObjectProgress
}

// Notifier receives progress events. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// ChannelNotifier sends events on C, dropping them when C is full.
type ChannelNotifier struct {
	C chan Event
}

// NewChannelNotifier returns a notifier with a buffer of size events.
func NewChannelNotifier(size int) *ChannelNotifier {
	return &ChannelNotifier{C: make(chan Event, size)}
}

func (n *ChannelNotifier) Notify(e Event) {
	select {
	case n.C <- e:
	default:
	}
}

// LogNotifier writes events to a logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(e Event) {
	switch e.Kind {
	case EventState:
		n.Logger.Info().Stringer("state", e.State).Msg("state change")
	case EventMessage, EventAdvisory:
		n.Logger.Info().Stringer("state", e.State).Msg(e.Message)
	case EventPackage:
		n.Logger.Info().Str("package", e.Package.Name).Int("index", e.Package.Index).Msg("installing package")
	}
}
