// Package testlog 把 logrus 输出接到 testing.T 上
package testlog

import (
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// writer 在测试结束后丢弃输出, 后台协程晚到的日志不会触发 panic
type writer struct {
	t    testing.TB
	mu   sync.Mutex
	done bool
}

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// New 返回 Debug 级别、经由 t.Log 输出的 logger
func New(t testing.TB) *logrus.Logger {
	w := &writer{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})

	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	return log
}
