// Package handler 每台仪器一个连接: 传输层 + 驱动, 所有驱动调用在同一个事件循环中串行执行.
package handler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/internal/driver"
	"github.com/GeoNomad/wizkers/internal/monitor"
	"github.com/GeoNomad/wizkers/internal/transport"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

var (
	ErrNotOpen = errors.New("端口未打开")
	ErrStopped = errors.New("连接已停止")
)

const defaultStreamPeriod = time.Second

// Sink 事件出口, 由 output.Outbox 实现; Offer 不得阻塞
type Sink interface {
	Offer(ev protocol.Event) bool
}

// DialFunc 打开传输层, 默认 transport.Open
type DialFunc func(cfg config.TransportConfig, settings transport.Settings, h transport.Handler, log *logrus.Entry) (transport.Transport, error)

type ConnectionHandler struct {
	inst config.InstrumentConfig
	drv  driver.Driver
	sink Sink
	dial DialFunc
	log  *logrus.Entry

	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// 以下字段只在事件循环中访问
	port    transport.Transport
	gen     int
	lastErr string
}

var _ driver.Host = (*ConnectionHandler)(nil)

func NewConnectionHandler(
	inst config.InstrumentConfig,
	drv driver.Driver,
	sink Sink,
	dial DialFunc,
	log *logrus.Logger,
) *ConnectionHandler {
	if dial == nil {
		dial = transport.Open
	}

	h := &ConnectionHandler{
		inst:  inst,
		drv:   drv,
		sink:  sink,
		dial:  dial,
		log:   log.WithFields(logrus.Fields{"instrument": inst.ID, "driver": drv.Name()}),
		tasks: make(chan func(), 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *ConnectionHandler) ID() string { return h.inst.ID }

func (h *ConnectionHandler) DriverName() string { return h.drv.Name() }

func (h *ConnectionHandler) loop() {
	defer close(h.done)
	for {
		select {
		case f := <-h.tasks:
			f()
		case <-h.quit:
			return
		}
	}
}

// post 把 f 投递到事件循环; 循环已停止时返回 false
func (h *ConnectionHandler) post(f func()) bool {
	select {
	case h.tasks <- f:
		return true
	case <-h.quit:
		return false
	}
}

// Do 在事件循环中执行 f 并等待其结束; 不能在事件循环内调用
func (h *ConnectionHandler) Do(f func() error) error {
	result := make(chan error, 1)
	if !h.post(func() { result <- f() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-h.done:
		return ErrStopped
	}
}

// ---- driver.Host ----

func (h *ConnectionHandler) Write(p []byte) error {
	if h.port == nil {
		return ErrNotOpen
	}
	n, err := h.port.Write(p)
	monitor.BytesSent.WithLabelValues(h.inst.ID).Add(float64(n))
	if err != nil {
		return err
	}
	h.log.Debugf("发送 %d 字节: % x", n, p)
	return nil
}

func (h *ConnectionHandler) Publish(event string, payload interface{}) {
	h.sink.Offer(protocol.Event{
		Instrument: h.inst.ID,
		Driver:     h.drv.Name(),
		Timestamp:  time.Now(),
		Event:      event,
		Payload:    payload,
	})
}

// AfterFunc 定时器回调同样回到事件循环执行
func (h *ConnectionHandler) AfterFunc(d time.Duration, f func()) driver.Timer {
	return time.AfterFunc(d, func() {
		h.post(f)
	})
}

// ---- 控制操作 ----

// Open 打开传输层并绑定驱动, 重复调用无副作用
func (h *ConnectionHandler) Open() error {
	return h.Do(h.open)
}

func (h *ConnectionHandler) open() error {
	if h.port != nil {
		return nil
	}
	h.gen++
	gen := h.gen
	handlers := transport.Handler{
		OnData: func(data []byte) {
			h.post(func() { h.onData(gen, data) })
		},
		// 关闭回调可能在事件循环内同步触发, 另起协程投递
		OnStatus: func(open bool) {
			if !open {
				go h.post(func() { h.onPortClosed(gen) })
			}
		},
		OnError: func(err error) {
			h.post(func() { h.onError(gen, err) })
		},
	}

	port, err := h.dial(h.inst.Transport, h.drv.PortSettings(), handlers, h.log)
	if err != nil {
		h.lastErr = err.Error()
		h.publishStatus()
		return fmt.Errorf("打开 %s 失败: %w", h.inst.ID, err)
	}
	h.port = port
	h.lastErr = ""
	h.drv.Open(h)

	monitor.ActiveConnections.Inc()
	monitor.TotalConnections.Inc()
	h.log.Info("端口已打开")
	h.publishStatus()
	return nil
}

// Close 关闭端口, 驱动的定时器与协议状态一并清除
func (h *ConnectionHandler) Close() error {
	return h.Do(func() error {
		if h.port == nil {
			return nil
		}
		err := h.closePort()
		h.publishStatus()
		return err
	})
}

func (h *ConnectionHandler) closePort() error {
	h.drv.Close()
	port := h.port
	h.port = nil
	h.gen++
	monitor.ActiveConnections.Dec()
	h.log.Info("端口已关闭")
	return port.Close()
}

// Send 发送一条控制器命令
func (h *ConnectionHandler) Send(cmd string) error {
	return h.Do(func() error {
		if h.port == nil {
			return ErrNotOpen
		}
		out, err := h.drv.Output(cmd)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return h.Write(out)
	})
}

func (h *ConnectionHandler) RequestIdentity() error {
	return h.Do(func() error {
		if h.port == nil {
			return ErrNotOpen
		}
		return h.drv.RequestIdentity()
	})
}

// StartStream period 为 0 时使用配置中的周期
func (h *ConnectionHandler) StartStream(period time.Duration) error {
	if period <= 0 {
		period = h.inst.StreamPeriod
	}
	if period <= 0 {
		period = defaultStreamPeriod
	}
	return h.Do(func() error {
		if h.port == nil {
			return ErrNotOpen
		}
		h.drv.StartStream(period)
		h.publishStatus()
		return nil
	})
}

func (h *ConnectionHandler) StopStream() error {
	return h.Do(func() error {
		if h.port == nil {
			return ErrNotOpen
		}
		h.drv.StopStream()
		h.publishStatus()
		return nil
	})
}

// Status 端口状态与驱动状态
func (h *ConnectionHandler) Status() (map[string]interface{}, error) {
	var status map[string]interface{}
	err := h.Do(func() error {
		status = h.status()
		return nil
	})
	return status, err
}

// Shutdown 关闭端口并停止事件循环
func (h *ConnectionHandler) Shutdown() {
	h.Close()
	h.stopOnce.Do(func() {
		close(h.quit)
	})
	<-h.done
}

func (h *ConnectionHandler) status() map[string]interface{} {
	status := map[string]interface{}{}
	for k, v := range h.drv.Status() {
		status[k] = v
	}
	status[protocol.StatusPortOpen] = h.port != nil
	status[protocol.StatusStreaming] = h.port != nil && h.drv.IsStreaming()
	if h.lastErr != "" {
		status[protocol.StatusError] = h.lastErr
	}
	return status
}

func (h *ConnectionHandler) publishStatus() {
	h.Publish(protocol.EventStatus, h.status())
}

// ---- 传输层回调 (事件循环内) ----

func (h *ConnectionHandler) onData(gen int, data []byte) {
	if gen != h.gen || h.port == nil {
		return
	}
	monitor.BytesReceived.WithLabelValues(h.inst.ID).Add(float64(len(data)))
	start := time.Now()
	h.drv.Feed(data)
	monitor.ProcessingDuration.Observe(time.Since(start).Seconds())
}

func (h *ConnectionHandler) onError(gen int, err error) {
	if gen != h.gen {
		return
	}
	monitor.DataErrors.Inc()
	h.log.Errorf("传输层错误: %v", err)
	h.lastErr = err.Error()
}

// onPortClosed 设备断开等非主动关闭
func (h *ConnectionHandler) onPortClosed(gen int) {
	if gen != h.gen || h.port == nil {
		return
	}
	h.log.Warn("端口意外关闭")
	h.closePort()
	h.publishStatus()
}
