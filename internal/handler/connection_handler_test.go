package handler

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/internal/driver/onyx"
	"github.com/GeoNomad/wizkers/internal/testutil/testlog"
	"github.com/GeoNomad/wizkers/internal/transport"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

type fakePort struct {
	mu     sync.Mutex
	h      transport.Handler
	writes [][]byte
	closed bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, transport.ErrClosed
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if !already {
		p.h.OnStatus(false)
	}
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

// drop 模拟设备拔出: 读循环报错后关闭
func (p *fakePort) drop(err error) {
	p.h.OnError(err)
	p.Close()
}

type chanSink struct {
	events chan protocol.Event
}

func (s *chanSink) Offer(ev protocol.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

type fixture struct {
	h     *ConnectionHandler
	sink  *chanSink
	port  *fakePort
	dials int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sink: &chanSink{events: make(chan protocol.Event, 64)}}
	log := testlog.New(t)
	dial := func(cfg config.TransportConfig, settings transport.Settings, th transport.Handler, _ *logrus.Entry) (transport.Transport, error) {
		f.dials++
		if settings.BaudRate != 115200 {
			t.Errorf("baud rate = %d", settings.BaudRate)
		}
		f.port = &fakePort{h: th}
		th.OnStatus(true)
		return f.port, nil
	}
	inst := config.InstrumentConfig{ID: "onyx1", Driver: onyx.Name, Transport: config.TransportConfig{Type: "tcp"}}
	f.h = NewConnectionHandler(inst, onyx.New(logrus.NewEntry(log)), f.sink, dial, log)
	t.Cleanup(f.h.Shutdown)
	return f
}

func (f *fixture) next(t *testing.T, event string) protocol.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.sink.events:
			if ev.Event == event {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", event)
		}
	}
}

func TestOpenSendClose(t *testing.T) {
	f := newFixture(t)

	if err := f.h.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := f.next(t, protocol.EventStatus)
	status := ev.Payload.(map[string]interface{})
	if status[protocol.StatusPortOpen] != true || status[protocol.StatusStreaming] != false {
		t.Fatalf("status after open = %v", status)
	}
	if ev.Instrument != "onyx1" || ev.Driver != onyx.Name {
		t.Fatalf("event not stamped: %+v", ev)
	}

	// 重复打开不重新拨号
	if err := f.h.Open(); err != nil || f.dials != 1 {
		t.Fatalf("second Open: err=%v dials=%d", err, f.dials)
	}

	if err := f.h.Send("HELLO"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if w := f.port.written(); len(w) != 1 || !bytes.Equal(w[0], []byte("HELLO\n\n")) {
		t.Fatalf("writes = %q", w)
	}

	f.port.h.OnData([]byte(`{"cpm":{"value":`))
	f.port.h.OnData([]byte("12}}\r\n"))
	reading := f.next(t, protocol.EventReading)
	if _, ok := reading.Payload.(protocol.Response)["cpm"]; !ok {
		t.Fatalf("reading = %v", reading.Payload)
	}

	port := f.port
	if err := f.h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	status = f.next(t, protocol.EventStatus).Payload.(map[string]interface{})
	if status[protocol.StatusPortOpen] != false {
		t.Fatalf("status after close = %v", status)
	}
	if !port.isClosed() {
		t.Fatal("transport not closed")
	}
	if err := f.h.Send("HELLO"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send after close: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	sink := &chanSink{events: make(chan protocol.Event, 8)}
	log := testlog.New(t)
	dial := func(config.TransportConfig, transport.Settings, transport.Handler, *logrus.Entry) (transport.Transport, error) {
		return nil, errors.New("no such device")
	}
	h := NewConnectionHandler(config.InstrumentConfig{ID: "x"}, onyx.New(nil), sink, dial, log)
	defer h.Shutdown()

	if err := h.Open(); err == nil {
		t.Fatal("expected dial error")
	}
	ev := <-sink.events
	status := ev.Payload.(map[string]interface{})
	if status[protocol.StatusPortOpen] != false || status[protocol.StatusError] != "no such device" {
		t.Fatalf("status = %v", status)
	}
}

func TestPortDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.h.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.next(t, protocol.EventStatus)

	f.port.drop(errors.New("device unplugged"))
	status := f.next(t, protocol.EventStatus).Payload.(map[string]interface{})
	if status[protocol.StatusPortOpen] != false || status[protocol.StatusError] != "device unplugged" {
		t.Fatalf("status after drop = %v", status)
	}

	// 可以重新打开
	if err := f.h.Open(); err != nil || f.dials != 2 {
		t.Fatalf("reopen: err=%v dials=%d", err, f.dials)
	}
	status, _ = f.h.Status()
	if status[protocol.StatusPortOpen] != true {
		t.Fatalf("status after reopen = %v", status)
	}
	if _, ok := status[protocol.StatusError]; ok {
		t.Fatalf("stale error after reopen: %v", status)
	}
}

func TestStreamingUsesRealTimers(t *testing.T) {
	f := newFixture(t)
	if err := f.h.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.h.StartStream(10 * time.Millisecond); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	status, _ := f.h.Status()
	if status[protocol.StatusStreaming] != true {
		t.Fatalf("status = %v", status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.port.written()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	writes := f.port.written()
	if len(writes) < 3 {
		t.Fatalf("expected at least 3 polls, got %d", len(writes))
	}
	for _, w := range writes {
		if string(w) != "GETCPM\n\n" {
			t.Fatalf("unexpected poll %q", w)
		}
	}

	if err := f.h.StopStream(); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	n := len(f.port.written())
	time.Sleep(50 * time.Millisecond)
	if got := len(f.port.written()); got != n {
		t.Fatalf("polls continued after StopStream: %d -> %d", n, got)
	}
}

func TestIdentity(t *testing.T) {
	f := newFixture(t)
	if err := f.h.RequestIdentity(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("identity on closed port: %v", err)
	}
	f.h.Open()
	if err := f.h.RequestIdentity(); err != nil {
		t.Fatalf("RequestIdentity: %v", err)
	}
	f.port.h.OnData([]byte("{\"guid\":\"abc-123\"}\n"))
	ev := f.next(t, protocol.EventUniqueID)
	if ev.Payload != "abc-123" {
		t.Fatalf("uniqueId = %v", ev.Payload)
	}
}

func TestShutdownStopsLoop(t *testing.T) {
	f := newFixture(t)
	f.h.Open()
	f.h.Shutdown()
	if !f.port.isClosed() {
		t.Fatal("port not closed on shutdown")
	}
	if err := f.h.Send("X"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send after shutdown: %v", err)
	}
}
