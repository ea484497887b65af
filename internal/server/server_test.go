package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/internal/testutil/testlog"
	"github.com/GeoNomad/wizkers/internal/transport"
)

type memPort struct {
	mu     sync.Mutex
	writes []string
}

func (p *memPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *memPort) Close() error { return nil }

func (p *memPort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func newTestServer(t *testing.T) (*Server, map[string]*memPort) {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Instruments = []config.InstrumentConfig{
		{ID: "meter", Driver: "fluke28x", Transport: config.TransportConfig{Type: "serial", Path: "/dev/ttyUSB0"}},
		{ID: "geiger", Driver: "onyx", Transport: config.TransportConfig{Type: "tcp", Address: "127.0.0.1:7000"}},
	}

	var mu sync.Mutex
	ports := map[string]*memPort{}
	dial := func(tc config.TransportConfig, _ transport.Settings, _ transport.Handler, _ *logrus.Entry) (transport.Transport, error) {
		p := &memPort{}
		mu.Lock()
		ports[tc.Type] = p
		mu.Unlock()
		return p, nil
	}

	s, err := newServer(cfg, testlog.New(t), dial)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s, ports
}

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var res map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		json.Unmarshal(w.Body.Bytes(), &res)
	}
	return w.Code, res
}

func TestHealthAndList(t *testing.T) {
	s, _ := newTestServer(t)

	code, res := do(t, s, http.MethodGet, "/health", "")
	if code != http.StatusOK || res["instruments"] != float64(2) {
		t.Fatalf("health: %d %v", code, res)
	}

	code, res = do(t, s, http.MethodGet, "/api/instruments", "")
	if code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	list := res["instruments"].([]interface{})
	if len(list) != 2 {
		t.Fatalf("list = %v", list)
	}
	first := list[0].(map[string]interface{})
	if first["id"] != "meter" || first["driver"] != "fluke28x" {
		t.Fatalf("first instrument = %v", first)
	}

	if code, _ := do(t, s, http.MethodGet, "/metrics", ""); code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
}

func TestUnknownInstrument(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/api/instruments/nope/status", "/api/instruments/nope/history"} {
		if code, _ := do(t, s, http.MethodGet, path, ""); code != http.StatusNotFound {
			t.Fatalf("%s: %d", path, code)
		}
	}
	if code, _ := do(t, s, http.MethodPost, "/api/instruments/nope/open", ""); code != http.StatusNotFound {
		t.Fatalf("open: %d", code)
	}
}

func TestInstrumentLifecycle(t *testing.T) {
	s, ports := newTestServer(t)

	code, _ := do(t, s, http.MethodPost, "/api/instruments/geiger/command", `{"command":"HELLO"}`)
	if code != http.StatusConflict {
		t.Fatalf("command on closed port: %d", code)
	}

	code, res := do(t, s, http.MethodPost, "/api/instruments/geiger/open", "")
	if code != http.StatusOK || res["portopen"] != true {
		t.Fatalf("open: %d %v", code, res)
	}

	code, _ = do(t, s, http.MethodPost, "/api/instruments/geiger/command", `{"command":"HELLO"}`)
	if code != http.StatusAccepted {
		t.Fatalf("command: %d", code)
	}
	if w := ports["tcp"].written(); len(w) != 1 || w[0] != "HELLO\n\n" {
		t.Fatalf("writes = %q", w)
	}

	if code, _ := do(t, s, http.MethodPost, "/api/instruments/geiger/command", `{}`); code != http.StatusBadRequest {
		t.Fatalf("empty command: %d", code)
	}

	code, res = do(t, s, http.MethodPost, "/api/instruments/geiger/stream", `{"period_ms":60000}`)
	if code != http.StatusOK || res["streaming"] != true {
		t.Fatalf("stream start: %d %v", code, res)
	}
	code, res = do(t, s, http.MethodDelete, "/api/instruments/geiger/stream", "")
	if code != http.StatusOK || res["streaming"] != false {
		t.Fatalf("stream stop: %d %v", code, res)
	}

	if code, _ := do(t, s, http.MethodPost, "/api/instruments/geiger/identity", ""); code != http.StatusAccepted {
		t.Fatalf("identity: %d", code)
	}

	// 未启用 Redis 时历史不可用
	if code, _ := do(t, s, http.MethodGet, "/api/instruments/geiger/history", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("history: %d", code)
	}

	code, res = do(t, s, http.MethodPost, "/api/instruments/geiger/close", "")
	if code != http.StatusOK || res["portopen"] != false {
		t.Fatalf("close: %d %v", code, res)
	}
}

func TestFlukeStatusThroughAPI(t *testing.T) {
	s, ports := newTestServer(t)

	if code, _ := do(t, s, http.MethodPost, "/api/instruments/meter/open", ""); code != http.StatusOK {
		t.Fatalf("open: %d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/api/instruments/meter/command", `{"command":"ID"}`); code != http.StatusAccepted {
		t.Fatalf("command: %d", code)
	}
	// 链路未建立时先发送连接请求, 命令进入队列
	if w := ports["serial"].written(); len(w) != 1 {
		t.Fatalf("writes = %q", w)
	}
	code, res := do(t, s, http.MethodGet, "/api/instruments/meter/status", "")
	if code != http.StatusOK || res["queue"] != float64(1) {
		t.Fatalf("status: %d %v", code, res)
	}
}
