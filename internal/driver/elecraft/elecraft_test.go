package elecraft

import (
	"testing"
	"time"

	"github.com/GeoNomad/wizkers/internal/driver/drivertest"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

func newDriver() (*Driver, *drivertest.Host) {
	d := New(nil)
	h := drivertest.New()
	d.Open(h)
	return d, h
}

func TestFeedSplitsOnSemicolon(t *testing.T) {
	d, h := newDriver()
	d.Feed([]byte("FA00014060000;FW00"))
	d.Feed([]byte("0270;"))

	got := h.EventsOf(protocol.EventReading)
	if len(got) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(got))
	}
	if got[0].Payload.(protocol.Response)["vfoa_frequency"] != int64(14060000) {
		t.Fatalf("unexpected FA reading: %v", got[0].Payload)
	}
	status := d.Status()
	if status["vfoa_frequency"] != int64(14060000) || status["vfoa_bandwidth"] != int64(270) {
		t.Fatalf("unexpected status: %v", status)
	}
}

func TestRequestIdentity(t *testing.T) {
	d, h := newDriver()
	if err := d.RequestIdentity(); err != nil {
		t.Fatalf("identity: %v", err)
	}
	if string(h.LastWrite()) != identityQuery {
		t.Fatalf("unexpected write: %q", h.LastWrite())
	}
	d.Feed([]byte("DS@@@12345xyz;"))
	ids := h.EventsOf(protocol.EventUniqueID)
	if len(ids) != 1 || ids[0].Payload != "12345" {
		t.Fatalf("unexpected uniqueId: %v", ids)
	}
}

func TestStreamStartPollStop(t *testing.T) {
	d, h := newDriver()
	d.StartStream(time.Second)
	if string(h.LastWrite()) != streamStart {
		t.Fatalf("stream start not sent: %q", h.LastWrite())
	}
	h.Advance(time.Second)
	if string(h.LastWrite()) != streamPoll {
		t.Fatalf("poll not sent: %q", h.LastWrite())
	}
	d.StopStream()
	if string(h.LastWrite()) != streamStop || d.IsStreaming() {
		t.Fatalf("stream stop not sent: %q", h.LastWrite())
	}
}

func TestOutputAppendsTerminator(t *testing.T) {
	d, _ := newDriver()
	out, _ := d.Output("FA")
	if string(out) != "FA;" {
		t.Fatalf("got %q", out)
	}
	out, _ = d.Output("FA00014060000;")
	if string(out) != "FA00014060000;" {
		t.Fatalf("got %q", out)
	}
}
