package driver

import "time"

// Poller 周期性地在事件循环中执行 tick, 用于需要轮询的仪器
type Poller struct {
	host   Host
	period time.Duration
	tick   func()
	timer  Timer
	gen    int
}

func NewPoller(h Host, period time.Duration, tick func()) *Poller {
	if period <= 0 {
		period = time.Second
	}
	return &Poller{host: h, period: period, tick: tick}
}

func (p *Poller) Start() {
	p.Stop()
	p.schedule(p.gen)
}

func (p *Poller) schedule(gen int) {
	p.timer = p.host.AfterFunc(p.period, func() {
		if gen != p.gen {
			return
		}
		p.tick()
		// tick 中可能调用了 Stop
		if gen == p.gen {
			p.schedule(gen)
		}
	})
}

func (p *Poller) Stop() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
