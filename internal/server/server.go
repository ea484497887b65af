// Package server 组装仪器管理器、事件出口和 HTTP API, 并负责优雅关闭.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/internal/handler"
	"github.com/GeoNomad/wizkers/internal/monitor"
	"github.com/GeoNomad/wizkers/internal/output"
	"github.com/GeoNomad/wizkers/internal/storage"
)

type Server struct {
	config  *config.Config
	manager *Manager
	outbox  *output.Outbox
	monitor *monitor.Monitor
	storage *storage.MessageQueue
	nats    *output.NATSPublisher
	hub     *output.WSHub
	router  *gin.Engine
	http    *http.Server
	log     *logrus.Logger
}

func NewServer(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	return newServer(cfg, log, nil)
}

func newServer(cfg *config.Config, log *logrus.Logger, dial handler.DialFunc) (*Server, error) {
	s := &Server{
		config:  cfg,
		monitor: monitor.NewMonitor(log),
		log:     log,
	}

	var publishers []output.Publisher

	// 创建消息队列
	if cfg.Redis.Enabled {
		mq, err := storage.NewMessageQueue(cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		s.storage = mq
		publishers = append(publishers, mq)
	}

	if cfg.NATS.Enabled {
		nc, err := output.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			closeAll(publishers)
			return nil, err
		}
		s.nats = nc
		publishers = append(publishers, nc)
	}

	if cfg.WebSocket.Enabled {
		s.hub = output.NewWSHub(log)
		go s.hub.Run()
		publishers = append(publishers, s.hub)
	}

	if cfg.Fluke.ScreenshotFile != "" {
		publishers = append(publishers, output.NewScreenshotFile(cfg.Fluke.ScreenshotFile, log))
	}

	s.outbox = output.NewOutbox(cfg.Server.OutboxSize, log, publishers...)

	manager, err := NewManager(cfg, s.outbox, dial, log)
	if err != nil {
		s.outbox.Close()
		return nil, err
	}
	s.manager = manager

	if s.hub != nil {
		s.hub.SetController(manager)
	}
	if s.nats != nil {
		if err := s.nats.Listen(manager); err != nil {
			s.log.Warnf("NATS 下行命令不可用: %v", err)
		}
	}

	s.router = s.setupRouter()
	return s, nil
}

func closeAll(publishers []output.Publisher) {
	for _, p := range publishers {
		p.Close()
	}
}

// Start 启动 HTTP 服务并阻塞到收到退出信号
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动监控
	if s.config.Monitor.Enabled {
		s.monitor.StartRuntimeMonitor(ctx, 10*time.Second)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Infof("服务器启动成功: %s (仪器: %d)", addr, len(s.manager.order))

	s.manager.Autostart()

	// 优雅退出处理
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case sig := <-sigChan:
		s.log.Infof("收到信号: %v, 开始优雅关闭...", sig)
	case serveErr = <-errCh:
		s.log.Errorf("HTTP 服务异常退出: %v", serveErr)
	}

	s.Shutdown()
	if serveErr != nil {
		return fmt.Errorf("监听失败: %w", serveErr)
	}
	return nil
}

// Shutdown 依次停止 HTTP 服务、仪器连接和事件出口
func (s *Server) Shutdown() {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.log.Warnf("关闭 HTTP 服务超时: %v", err)
		}
	}

	s.manager.Shutdown()

	// 剩余事件发送完后关闭所有出口
	done := make(chan error, 1)
	go func() { done <- s.outbox.Close() }()
	select {
	case err := <-done:
		if err != nil {
			s.log.Errorf("关闭事件出口失败: %v", err)
		}
	case <-ctx.Done():
		s.log.Warn("关闭超时，强制退出")
	}

	s.log.Info("服务器已关闭")
}
