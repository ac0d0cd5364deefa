package network

import (
	"leapkvm/internal/event"
)

// Events posted by Pump, addressed to the Stream itself so that whichever
// object currently owns the stream can register for them.
var (
	// InputReady carries one received packet ([]byte).
	InputReady = event.RegisterType("stream.input")

	// InputShutdown carries the read error (error) that ended the
	// stream. It is posted exactly once, after the last InputReady.
	InputShutdown = event.RegisterType("stream.shutdown")
)

// Pump starts a goroutine that reads packets from s and posts them to q.
// The goroutine never touches anything but the stream and the queue; it
// exits when a read fails, which Close on the stream forces.
func Pump(q *event.Queue, s Stream) {
	go func() {
		for {
			packet, err := s.ReadPacket()
			if err != nil {
				q.Post(event.Event{Type: InputShutdown, Target: s, Data: err})
				return
			}
			q.Post(event.Event{Type: InputReady, Target: s, Data: packet})
		}
	}()
}

// AcceptLoop accepts streams from l on a goroutine and posts each to q
// as an Accepted event addressed to l. When Accept fails the loop posts
// AcceptFailed with the error and exits.
func AcceptLoop(q *event.Queue, l Listener) {
	go func() {
		for {
			s, err := l.Accept()
			if err != nil {
				q.Post(event.Event{Type: AcceptFailed, Target: l, Data: err})
				return
			}
			q.Post(event.Event{Type: Accepted, Target: l, Data: s})
		}
	}()
}

var (
	// Accepted carries a new inbound Stream.
	Accepted = event.RegisterType("listener.accepted")

	// AcceptFailed carries the error that stopped an AcceptLoop.
	AcceptFailed = event.RegisterType("listener.failed")
)

// DialResult is the payload of Dialed.
type DialResult struct {
	Stream Stream
	Err    error
}

// Dialed is posted to the requesting target when an asynchronous dial
// finishes.
var Dialed = event.RegisterType("stream.dialed")
