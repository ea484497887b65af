// 压力测试: 大量 WebSocket 订阅者 + 周期性命令, 配合 test/simulator 使用
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 统计指标
type Stats struct {
	TotalSent      int64 // 已发送命令
	TotalFailed    int64 // 命令失败
	TotalConnected int64 // WebSocket 总连接数
	ActiveClients  int64 // 活跃订阅者
	TotalEvents    int64 // 收到的事件数
	TotalBytes     int64 // 收到的字节数
}

// Subscriber WebSocket 订阅者
type Subscriber struct {
	ID       int
	URL      string
	Stats    *Stats
	Log      *logrus.Logger
	StopChan chan struct{}
}

func (s *Subscriber) Run(wg *sync.WaitGroup) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(s.URL, nil)
	if err != nil {
		s.Log.Errorf("订阅者 %d 连接失败: %v", s.ID, err)
		atomic.AddInt64(&s.Stats.TotalFailed, 1)
		return
	}
	defer conn.Close()

	atomic.AddInt64(&s.Stats.TotalConnected, 1)
	atomic.AddInt64(&s.Stats.ActiveClients, 1)
	defer atomic.AddInt64(&s.Stats.ActiveClients, -1)

	go func() {
		<-s.StopChan
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.Log.Debugf("订阅者 %d 断开: %v", s.ID, err)
			return
		}
		atomic.AddInt64(&s.Stats.TotalEvents, 1)
		atomic.AddInt64(&s.Stats.TotalBytes, int64(len(data)))
	}
}

// Commander 周期性地向仪器发送命令
type Commander struct {
	API        string
	Instrument string
	Command    string
	Interval   time.Duration
	Stats      *Stats
	Log        *logrus.Logger
	client     *http.Client
}

func (c *Commander) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	url := fmt.Sprintf("%s/api/instruments/%s/command", c.API, c.Instrument)
	body, _ := json.Marshal(map[string]string{"command": c.Command})
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			resp, err := c.client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				c.Log.Errorf("发送命令失败: %v", err)
				atomic.AddInt64(&c.Stats.TotalFailed, 1)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				c.Log.Warnf("命令被拒绝: %s", resp.Status)
				atomic.AddInt64(&c.Stats.TotalFailed, 1)
				continue
			}
			atomic.AddInt64(&c.Stats.TotalSent, 1)
		}
	}
}

func main() {
	// 命令行参数
	api := flag.String("api", "http://localhost:8090", "服务器地址")
	wsPath := flag.String("ws", "/ws", "WebSocket 路径")
	instrument := flag.String("instrument", "fluke289", "目标仪器 ID")
	command := flag.String("command", "QM", "周期发送的命令")
	numClients := flag.Int("clients", 200, "WebSocket 订阅者数量")
	interval := flag.Duration("interval", 500*time.Millisecond, "命令间隔")
	duration := flag.Duration("duration", 60*time.Second, "测试时长")
	debug := flag.Bool("debug", false, "调试模式")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	stats := &Stats{}
	stop := make(chan struct{})
	wsURL := "ws" + (*api)[len("http"):] + *wsPath

	log.Infof("========================================")
	log.Infof("压力测试开始")
	log.Infof("服务器地址: %s", *api)
	log.Infof("订阅者数量: %d", *numClients)
	log.Infof("命令: %s -> %s, 间隔 %v", *command, *instrument, *interval)
	log.Infof("测试时长:   %v", *duration)
	log.Infof("========================================")

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		sub := &Subscriber{ID: i + 1, URL: wsURL, Stats: stats, Log: log, StopChan: stop}
		wg.Add(1)
		go sub.Run(&wg)

		// 分批启动，避免瞬间连接过多
		if (i+1)%100 == 0 {
			time.Sleep(10 * time.Millisecond)
			log.Infof("已启动 %d/%d 订阅者...", i+1, *numClients)
		}
	}

	cmd := &Commander{
		API:        *api,
		Instrument: *instrument,
		Command:    *command,
		Interval:   *interval,
		Stats:      stats,
		Log:        log,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
	go cmd.Run(stop)
	go monitorStats(stats, log, stop)

	time.Sleep(*duration)
	log.Infof("测试时长到达，准备停止...")
	close(stop)
	wg.Wait()

	log.Infof("========================================")
	log.Infof("压力测试完成")
	log.Infof("总连接数:   %d", atomic.LoadInt64(&stats.TotalConnected))
	log.Infof("已发送命令: %d", atomic.LoadInt64(&stats.TotalSent))
	log.Infof("失败数:     %d", atomic.LoadInt64(&stats.TotalFailed))
	log.Infof("收到事件:   %d", atomic.LoadInt64(&stats.TotalEvents))
	log.Infof("总字节数:   %.2f MB", float64(atomic.LoadInt64(&stats.TotalBytes))/1024/1024)
	log.Infof("========================================")
}

// monitorStats 每 5 秒输出一次速率
func monitorStats(stats *Stats, log *logrus.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastEvents := int64(0)
	lastTime := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			events := atomic.LoadInt64(&stats.TotalEvents)
			rate := float64(events-lastEvents) / now.Sub(lastTime).Seconds()
			log.Infof("活跃订阅者: %d | 已发送: %d | 失败: %d | 事件: %d | 事件/秒: %.0f",
				atomic.LoadInt64(&stats.ActiveClients),
				atomic.LoadInt64(&stats.TotalSent),
				atomic.LoadInt64(&stats.TotalFailed),
				events, rate)
			lastEvents = events
			lastTime = now
		}
	}
}
