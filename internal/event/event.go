// Package event provides the single-threaded cooperative event loop that
// drives every connection, timer and screen in the process.
//
// All handlers run on the goroutine that calls Run (or Step). Other
// goroutines hand work to the loop only through Queue.Post.
package event

import (
	"fmt"
	"sync"
)

// Type identifies a kind of event. Types are registered at init time
// through RegisterType, so packages can declare their own.
type Type uint32

var (
	typesMu   sync.Mutex
	typeNames = []string{"unknown"}
)

// RegisterType allocates a new event type. The name is only used for
// logging.
func RegisterType(name string) Type {
	typesMu.Lock()
	defer typesMu.Unlock()
	typeNames = append(typeNames, name)
	return Type(len(typeNames) - 1)
}

func (t Type) String() string {
	typesMu.Lock()
	defer typesMu.Unlock()
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Built-in event types.
var (
	Unknown Type = 0

	// Quit stops Run at the top of the next loop iteration.
	Quit = RegisterType("quit")

	// TimerFired is delivered once per timer expiry. Data is a TimerInfo.
	TimerFired = RegisterType("timer")
)

// Target is an opaque identity that handlers are keyed on, usually a
// pointer to the object that owns the handler. A nil target addresses
// process-wide handlers.
type Target any

// Event is a typed value delivered to the handler registered for
// (Type, Target).
type Event struct {
	Type   Type
	Target Target
	Data   any
}

// Handler receives events from the loop.
type Handler func(Event)

type handlerKey struct {
	typ    Type
	target Target
}
