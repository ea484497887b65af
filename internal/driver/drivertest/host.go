// Package drivertest 提供驱动单元测试用的 Host 实现, 定时器由测试手动触发.
package drivertest

import (
	"sort"
	"time"

	"github.com/GeoNomad/wizkers/internal/driver"
)

// Published 一条已发布的事件
type Published struct {
	Event   string
	Payload interface{}
}

// Host 记录写入和事件的假 Host
type Host struct {
	Writes   [][]byte
	Events   []Published
	WriteErr error

	now    time.Duration
	timers []*Timer
}

// Timer 手动时钟上的定时器
type Timer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *Timer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func New() *Host {
	return &Host{}
}

var _ driver.Host = (*Host)(nil)

func (h *Host) Write(p []byte) error {
	if h.WriteErr != nil {
		return h.WriteErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	h.Writes = append(h.Writes, buf)
	return nil
}

func (h *Host) Publish(event string, payload interface{}) {
	h.Events = append(h.Events, Published{Event: event, Payload: payload})
}

func (h *Host) AfterFunc(d time.Duration, f func()) driver.Timer {
	t := &Timer{at: h.now + d, f: f}
	h.timers = append(h.timers, t)
	return t
}

// Advance 推进时钟并按时间顺序触发到期的定时器
func (h *Host) Advance(d time.Duration) {
	target := h.now + d
	for {
		due := h.pending(target)
		if len(due) == 0 {
			break
		}
		t := due[0]
		h.now = t.at
		t.fired = true
		t.f()
	}
	h.now = target
}

func (h *Host) pending(limit time.Duration) []*Timer {
	var due []*Timer
	for _, t := range h.timers {
		if !t.stopped && !t.fired && t.at <= limit {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	return due
}

// ActiveTimers 尚未触发也未取消的定时器数量
func (h *Host) ActiveTimers() int {
	n := 0
	for _, t := range h.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// LastWrite 最近一次写入, 没有则返回 nil
func (h *Host) LastWrite() []byte {
	if len(h.Writes) == 0 {
		return nil
	}
	return h.Writes[len(h.Writes)-1]
}

// EventsOf 按类型过滤事件
func (h *Host) EventsOf(event string) []Published {
	var out []Published
	for _, e := range h.Events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (h *Host) Reset() {
	h.Writes = nil
	h.Events = nil
}
