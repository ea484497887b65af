package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := LoadConfig("../../configs/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Instruments) != 4 {
		t.Fatalf("instruments = %d", len(cfg.Instruments))
	}
	fluke, ok := cfg.Instrument("fluke289")
	if !ok || fluke.Driver != "fluke28x" || fluke.Transport.Path != "/dev/ttyUSB0" {
		t.Fatalf("fluke289 = %+v", fluke)
	}
	if cfg.Fluke.CommandTimeout != 300*time.Millisecond || cfg.Fluke.ChunkSize != 1024 {
		t.Fatalf("fluke config = %+v", cfg.Fluke)
	}
	weather, _ := cfg.Instrument("weather")
	if weather.Sensors[36] != "室外" {
		t.Fatalf("sensors = %v", weather.Sensors)
	}
}

func TestDefaultsFillMissingFields(t *testing.T) {
	path := writeConfig(t, `
instruments:
  - id: a
    driver: onyx
    transport: {type: tcp, address: "127.0.0.1:1"}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := GetDefaultConfig()
	if cfg.Server.Port != def.Server.Port || cfg.Fluke != def.Fluke || cfg.Redis != def.Redis {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if _, ok := cfg.Instrument("missing"); ok {
		t.Fatal("unexpected instrument")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty id", "instruments: [{driver: onyx, transport: {type: tcp}}]", "id 不能为空"},
		{"duplicate", "instruments: [{id: a, driver: onyx, transport: {type: tcp}}, {id: a, driver: onyx, transport: {type: tcp}}]", "重复"},
		{"unknown driver", "instruments: [{id: a, driver: usbtester, transport: {type: tcp}}]", "未知驱动"},
		{"unknown transport", "instruments: [{id: a, driver: onyx, transport: {type: usb}}]", "未知传输类型"},
		{"chunk size", "fluke: {chunk_size: 0}", "chunk_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestSetAutostart(t *testing.T) {
	newConfig := func() *Config {
		return &Config{Instruments: []InstrumentConfig{
			{ID: "fluke", Autostart: true},
			{ID: "onyx"},
			{ID: "kx3", Autostart: true},
		}}
	}
	autostarted := func(c *Config) []string {
		var ids []string
		for _, inst := range c.Instruments {
			if inst.Autostart {
				ids = append(ids, inst.ID)
			}
		}
		return ids
	}

	c := newConfig()
	if err := c.SetAutostart(" onyx, kx3 "); err != nil {
		t.Fatalf("SetAutostart: %v", err)
	}
	if got := strings.Join(autostarted(c), ","); got != "onyx,kx3" {
		t.Fatalf("autostart = %q", got)
	}

	c = newConfig()
	if err := c.SetAutostart("none"); err != nil {
		t.Fatalf("SetAutostart none: %v", err)
	}
	if got := autostarted(c); len(got) != 0 {
		t.Fatalf("autostart after none = %v", got)
	}

	c = newConfig()
	if err := c.SetAutostart("fluke,missing"); err == nil {
		t.Fatal("unknown instrument should fail")
	}
	if got := strings.Join(autostarted(c), ","); got != "fluke,kx3" {
		t.Fatalf("failed override changed config: %q", got)
	}
}
