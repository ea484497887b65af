// Package output 把仪器事件分发到外部: Redis, NATS, WebSocket, 截图文件.
package output

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/monitor"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

// Publisher 事件出口
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev protocol.Event) error
	Close() error
}

const publishTimeout = 5 * time.Second

// Outbox 异步事件队列; 事件循环只做非阻塞投递, 满了就丢弃
type Outbox struct {
	events     chan protocol.Event
	publishers []Publisher
	log        *logrus.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewOutbox(size int, log *logrus.Logger, publishers ...Publisher) *Outbox {
	if size <= 0 {
		size = 256
	}
	o := &Outbox{
		events:     make(chan protocol.Event, size),
		publishers: publishers,
		log:        log,
		done:       make(chan struct{}),
	}
	go o.run()
	return o
}

// Offer 投递一条事件, 队列已满或已关闭时返回 false
func (o *Outbox) Offer(ev protocol.Event) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.events <- ev:
		return true
	default:
		monitor.EventsDropped.Inc()
		o.log.Warnf("事件队列已满, 丢弃 %s/%s", ev.Instrument, ev.Event)
		return false
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for ev := range o.events {
		for _, p := range o.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := p.Publish(ctx, ev); err != nil {
				o.log.Warnf("%s 发布失败: %v", p.Name(), err)
			}
			cancel()
		}
		monitor.EventsPublished.WithLabelValues(ev.Event).Inc()
	}
}

// Close 发送完剩余事件后关闭所有出口
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.events)
	o.mu.Unlock()

	<-o.done
	var firstErr error
	for _, p := range o.publishers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
