package server

import (
	"time"

	"leapkvm/internal/config"
	"leapkvm/internal/event"
	"leapkvm/internal/input"
	"leapkvm/internal/screen"
)

// tapZone is how far from every edge the cursor must get between the two
// taps of a double tap.
const tapZone = 3

// pendingSwitch is an edge switch held back by the switch options.
type pendingSwitch struct {
	dst Peer
	dir config.Direction

	wait         *event.Timer
	waitX, waitY int32

	tapEngaged bool
	tapArmed   bool
	tapStart   time.Time
}

// switchAllowed decides whether the cursor may cross edge dir onto dst
// now. x, y is the entry point on dst and xActive, yActive the cursor on
// the active screen. A refused switch may still happen later from the
// delay timer.
func (s *Server) switchAllowed(dst Peer, dir config.Direction, x, y, xActive, yActive int32) bool {
	if dst == nil {
		s.stopSwitch()
		return false
	}
	opts := s.cfg.Options

	newDir := dir != s.sw.dir || s.sw.dst == nil
	if newDir {
		s.sw.dir = dir
		s.sw.dst = dst
	}

	prevent, allow := false, false
	if opts.SwitchDoubleTap > 0 {
		if newDir || !s.sw.tapEngaged || !s.secondTap() {
			prevent = true
			s.startTap()
		} else {
			allow = true
		}
	}
	if !allow && opts.SwitchDelay > 0 {
		if newDir || s.sw.wait == nil {
			s.startWait(x, y)
		}
		prevent = true
	}

	if corners := opts.Corners(); corners != 0 {
		if cornerOf(s.active.Shape(), xActive, yActive, opts.SwitchCornerSize)&corners != 0 {
			s.logger.Debug("locked in corner", "screen", s.active.Name())
			prevent = true
			s.stopSwitch()
		}
	}
	if !prevent && s.lockedToScreen() {
		prevent = true
		s.stopSwitch()
	}
	if !prevent && !s.switchModifiersHeld() {
		s.logger.Debug("modifiers needed to switch")
		prevent = true
		s.stopSwitch()
	}
	return !prevent
}

// noSwitch records a move that is not against an edge.
func (s *Server) noSwitch(x, y int32) {
	s.armTap(x, y)
	s.stopWait()
}

func (s *Server) stopSwitch() {
	if s.sw.dst == nil {
		return
	}
	s.sw.dst = nil
	s.sw.tapEngaged, s.sw.tapArmed = false, false
	s.stopWait()
}

func (s *Server) startTap() {
	s.sw.tapEngaged = true
	s.sw.tapArmed = false
	s.sw.tapStart = s.q.Now()
	s.logger.Debug("waiting for second tap")
}

// armTap readies the second tap once the cursor has left the edge far
// enough, or drops the first tap when it is too old.
func (s *Server) armTap(x, y int32) {
	if !s.sw.tapEngaged {
		return
	}
	if s.q.Now().Sub(s.sw.tapStart) > s.cfg.Options.SwitchDoubleTap {
		s.sw.tapEngaged, s.sw.tapArmed = false, false
		return
	}
	zone := int32(max(jumpZone, tapZone))
	r := s.active.Shape()
	if x >= r.X+zone && x < r.X+r.W-zone && y >= r.Y+zone && y < r.Y+r.H-zone {
		s.sw.tapArmed = true
	}
}

func (s *Server) secondTap() bool {
	return s.sw.tapArmed && s.q.Now().Sub(s.sw.tapStart) <= s.cfg.Options.SwitchDoubleTap
}

func (s *Server) startWait(x, y int32) {
	s.stopWait()
	s.sw.waitX, s.sw.waitY = x, y
	t := s.q.NewOneShotTimer(s.cfg.Options.SwitchDelay, nil)
	s.q.AddHandler(event.TimerFired, t, func(event.Event) { s.handleSwitchWait() })
	s.sw.wait = t
	s.logger.Debug("waiting to switch", "to", s.sw.dst.Name())
}

func (s *Server) stopWait() {
	if s.sw.wait == nil {
		return
	}
	s.q.DeleteTimer(s.sw.wait)
	s.q.RemoveHandler(event.TimerFired, s.sw.wait)
	s.sw.wait = nil
}

func (s *Server) handleSwitchWait() {
	s.stopWait()
	dst := s.sw.dst
	if dst == nil || s.clients[dst.Name()] != dst || s.lockedToScreen() {
		s.stopSwitch()
		return
	}
	s.switchScreen(dst, s.sw.waitX, s.sw.waitY, false)
}

func (s *Server) switchModifiersHeld() bool {
	opts := s.cfg.Options
	var need input.ModifierMask
	if opts.SwitchNeedsShift {
		need |= input.ModShift
	}
	if opts.SwitchNeedsControl {
		need |= input.ModControl
	}
	if opts.SwitchNeedsAlt {
		need |= input.ModAlt
	}
	return s.primary.Screen().ActiveModifiers()&need == need
}

// cornerOf returns the corner of r that x, y is in, if any. The point
// must be on an edge, within size pixels of the corner.
func cornerOf(r screen.Rect, x, y, size int32) config.Corner {
	left, right := x <= r.X, x >= r.X+r.W-1
	top, bottom := y <= r.Y, y >= r.Y+r.H-1
	nearTop, nearBottom := y < r.Y+size, y >= r.Y+r.H-size
	nearLeft, nearRight := x < r.X+size, x >= r.X+r.W-size

	switch {
	case left && nearTop, top && nearLeft:
		return config.TopLeft
	case right && nearTop, top && nearRight:
		return config.TopRight
	case left && nearBottom, bottom && nearLeft:
		return config.BottomLeft
	case right && nearBottom, bottom && nearRight:
		return config.BottomRight
	}
	return 0
}

// onEdge reports whether x, y lies on edge dir of r.
func onEdge(r screen.Rect, dir config.Direction, x, y int32) bool {
	switch dir {
	case config.Left:
		return x <= r.X
	case config.Right:
		return x >= r.X+r.W-1
	case config.Top:
		return y <= r.Y
	default:
		return y >= r.Y+r.H-1
	}
}

// clampEdge pulls v onto the nearest edge when it is within the jump
// zone of it.
func clampEdge(v, start, length int32) int32 {
	switch {
	case v < start+jumpZone:
		return start
	case v >= start+length-jumpZone:
		return start + length - 1
	}
	return v
}
