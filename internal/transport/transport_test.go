package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/internal/testutil/testlog"
)

type events struct {
	data   chan []byte
	status chan bool
	errs   chan error
}

func newEvents() (*events, Handler) {
	e := &events{
		data:   make(chan []byte, 16),
		status: make(chan bool, 4),
		errs:   make(chan error, 4),
	}
	return e, Handler{
		OnData:   func(b []byte) { e.data <- b },
		OnStatus: func(open bool) { e.status <- open },
		OnError:  func(err error) { e.errs <- err },
	}
}

func waitStatus(t *testing.T, ch chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("status = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no status %v", want)
	}
}

func TestTCPTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ev, h := newEvents()
	log := logrus.NewEntry(testlog.New(t))
	tr, err := Open(config.TransportConfig{Type: "tcp", Address: ln.Addr().String()}, Settings{}, h, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitStatus(t, ev.status, true)

	peer := <-accepted
	defer peer.Close()

	if _, err := tr.Write([]byte("QM\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 16)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := peer.Read(buf)
	if err != nil || string(buf[:n]) != "QM\r" {
		t.Fatalf("peer read %q, %v", buf[:n], err)
	}

	peer.Write([]byte("0\r"))
	select {
	case data := <-ev.data:
		if string(data) != "0\r" {
			t.Fatalf("data = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no data")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitStatus(t, ev.status, false)
	if _, err := tr.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after close: %v", err)
	}
	select {
	case err := <-ev.errs:
		t.Fatalf("unexpected error after local close: %v", err)
	default:
	}
}

func TestTCPPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		if conn, err := ln.Accept(); err == nil {
			conn.Close()
		}
	}()

	ev, h := newEvents()
	tr, err := Open(config.TransportConfig{Type: "tcp", Address: ln.Addr().String()}, Settings{}, h, logrus.NewEntry(testlog.New(t)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	waitStatus(t, ev.status, true)
	waitStatus(t, ev.status, false)
}

func TestOpenErrors(t *testing.T) {
	log := logrus.NewEntry(testlog.New(t))
	_, h := newEvents()
	tests := []config.TransportConfig{
		{Type: "usb"},
		{Type: "tcp"},
		{Type: "serial"},
		{Type: "ssh"},
	}
	for _, cfg := range tests {
		if _, err := Open(cfg, Settings{}, h, log); err == nil {
			t.Errorf("Open(%+v) succeeded", cfg)
		}
	}
}

func TestSerialMode(t *testing.T) {
	mode := serialMode(Settings{BaudRate: 9600, Parity: ParityEven, StopBits: 2})
	if mode.BaudRate != 9600 || mode.DataBits != 8 || mode.Parity != serial.EvenParity || mode.StopBits != serial.TwoStopBits {
		t.Fatalf("mode = %+v", mode)
	}
	mode = serialMode(Settings{})
	if mode.BaudRate != 115200 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		t.Fatalf("default mode = %+v", mode)
	}
}

func TestSSHClientConfigNeedsAuth(t *testing.T) {
	if _, err := sshClientConfig(config.TransportConfig{Address: "h:22", User: "u"}); err == nil {
		t.Fatal("expected auth error")
	}
	cfg, err := sshClientConfig(config.TransportConfig{Address: "h:22", User: "u", Password: "p"})
	if err != nil {
		t.Fatalf("sshClientConfig: %v", err)
	}
	if cfg.User != "u" || len(cfg.Auth) != 1 {
		t.Fatalf("config = %+v", cfg)
	}
}
