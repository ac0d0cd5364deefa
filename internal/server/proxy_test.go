package server

import (
	"testing"
	"time"

	"leapkvm/internal/clipboard"
	"leapkvm/internal/event"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
)

func TestProxyRecordsScreenInfo(t *testing.T) {
	f := newFixture(t, testLayout, false)
	p, _ := f.handshake("laptop", 1280, 720)
	if got := p.Shape(); got != (screen.Rect{W: 1280, H: 720}) {
		t.Errorf("Shape() = %+v", got)
	}
	if x, y := p.CursorPos(); x != 640 || y != 360 {
		t.Errorf("CursorPos() = (%d,%d)", x, y)
	}
}

func TestProxyKeepAlive(t *testing.T) {
	f := newFixture(t, testLayout, true)
	_, r := f.handshake("laptop", 1280, 720)
	f.clock.Advance(protocol.KeepAliveRate)
	r.expect(f.q, protocol.OpCKeepAlive)
}

func TestProxyDeclaresSilentClientDead(t *testing.T) {
	f := newFixture(t, testLayout, true)
	p, r := f.handshake("laptop", 1280, 720)
	gone := false
	f.q.AddHandler(ProxyDisconnected, p, func(event.Event) { gone = true })

	f.clock.Advance(protocol.KeepAliveRate*protocol.KeepAlivesUntilDeath - time.Millisecond)
	r.quiet(f.q)
	if gone {
		t.Fatal("disconnected before the heartbeat deadline")
	}
	f.clock.Advance(time.Millisecond)
	waitFor(t, f.q, func() bool { return gone })
	r.expectClosed(f.q)
}

func TestProxyTrafficResetsHeartbeat(t *testing.T) {
	f := newFixture(t, testLayout, true)
	p, r := f.handshake("laptop", 1280, 720)
	gone := false
	f.q.AddHandler(ProxyDisconnected, p, func(event.Event) { gone = true })

	f.clock.Advance(6 * time.Second)
	before := p.heartbeat
	r.send(protocol.MsgCKeepAlive)
	waitFor(t, f.q, func() bool { return p.heartbeat != before })

	f.clock.Advance(6 * time.Second)
	r.quiet(f.q)
	if gone {
		t.Error("client with recent traffic declared dead")
	}
}

func TestProxyRejectsUnknownMessage(t *testing.T) {
	f := newFixture(t, testLayout, false)
	_, r := f.handshake("laptop", 1280, 720)
	r.send("ZZZZ")
	r.expect(f.q, protocol.OpEBad)
	r.expectClosed(f.q)
}

func TestProxyRejectsInputDuringHandshake(t *testing.T) {
	f := newFixture(t, testLayout, false)
	stream, r := newPipe(t)
	startPump(f, stream)
	NewClientProxy(f.q, stream, "laptop", discard())
	r.expect(f.q, protocol.OpQInfo)
	r.send(protocol.MsgCClipboard, uint8(0), uint32(0))
	r.expect(f.q, protocol.OpEBad)
	r.expectClosed(f.q)
}

func TestProxyRejectsEmptyScreen(t *testing.T) {
	f := newFixture(t, testLayout, false)
	stream, r := newPipe(t)
	startPump(f, stream)
	NewClientProxy(f.q, stream, "laptop", discard())
	r.expect(f.q, protocol.OpQInfo)
	r.send(protocol.MsgDInfo, int32(0), int32(0), int32(0), int32(0), int32(0), int32(0), int32(0))
	r.expect(f.q, protocol.OpEBad)
}

func TestProxyReassemblesClipboard(t *testing.T) {
	f := newFixture(t, testLayout, false)
	p, r := f.handshake("laptop", 1280, 720)
	var got *ClipboardEvent
	event.On(f.q, ProxyClipboardChanged, p, func(e ClipboardEvent) { got = &e })

	big := make([]byte, 3*protocol.ClipboardChunkSize+17)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	data := clipboard.New(time.Time{})
	data.Add(clipboard.FormatText, big)
	chunks, err := protocol.ClipboardChunks(protocol.ClipboardSelection, 7, data.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range chunks {
		r.stream.Write(c)
	}
	waitFor(t, f.q, func() bool { return got != nil })
	if got.ID != protocol.ClipboardSelection || got.Seq != 7 {
		t.Errorf("event = %+v", *got)
	}
	if !clipboard.Equal(p.GetClipboard(protocol.ClipboardSelection), data) {
		t.Error("reassembled clipboard differs")
	}
}

func TestProxyClipboardPushOnlyWhenDirty(t *testing.T) {
	f := newFixture(t, testLayout, false)
	p, r := f.handshake("laptop", 1280, 720)
	p.SetClipboard(0, clipboard.Text("x", time.Time{}))
	r.quiet(f.q)

	p.SetClipboardDirty(0, true)
	p.SetClipboard(0, clipboard.Text("x", time.Time{}))
	r.expect(f.q, protocol.OpDClipboard)
	if p.ClipboardDirty(0) {
		t.Error("still dirty after push")
	}
}
