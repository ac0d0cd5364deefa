//go:build !robotgo

package desktop

import (
	"errors"

	"leapkvm/internal/event"
	"leapkvm/internal/screen"
)

// Open reports that this build has no platform screen.
func Open(q *event.Queue, primary bool) (screen.Port, error) {
	return nil, &screen.OpenFailureError{Err: errors.New("built without a platform screen; rebuild with -tags robotgo")}
}
