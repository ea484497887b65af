package registry

import (
	"sort"
	"testing"

	"github.com/GeoNomad/wizkers/internal/config"
)

func TestNewKnownDrivers(t *testing.T) {
	cfg := config.GetDefaultConfig()
	for _, name := range Names() {
		d, err := New(name, Options{Fluke: cfg.Fluke, Instrument: config.InstrumentConfig{ID: "x", Driver: name}})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if d.Name() != name {
			t.Fatalf("driver name = %q, want %q", d.Name(), name)
		}
		if d.PortSettings().BaudRate == 0 {
			t.Fatalf("%s: missing port settings", name)
		}
	}
}

func TestNamesMatchConfig(t *testing.T) {
	known := append([]string(nil), config.KnownDrivers...)
	sort.Strings(known)
	names := Names()
	if len(names) != len(known) {
		t.Fatalf("registry %v, config %v", names, known)
	}
	for i := range names {
		if names[i] != known[i] {
			t.Fatalf("registry %v, config %v", names, known)
		}
	}
}

func TestNewUnknownDriver(t *testing.T) {
	if _, err := New("hp34401", Options{}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
