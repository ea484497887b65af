package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
)

// Parity 串口校验位
type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// Settings 驱动声明的链路参数
type Settings struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits int
}

// Handler 传输层回调, 对应 onData / onStatusChange / onError
type Handler struct {
	OnData   func(data []byte)
	OnStatus func(open bool)
	OnError  func(err error)
}

// Transport 原始字节通道
type Transport interface {
	Write(p []byte) (int, error)
	Close() error
}

var ErrClosed = errors.New("transport: closed")

// Open 按配置打开传输通道, 读循环在后台运行直到关闭或出错
func Open(cfg config.TransportConfig, settings Settings, h Handler, log *logrus.Entry) (Transport, error) {
	if cfg.BaudRate > 0 {
		settings.BaudRate = cfg.BaudRate
	}
	switch cfg.Type {
	case "serial":
		return openSerial(cfg, settings, h, log)
	case "tcp":
		return openTCP(cfg, h, log)
	case "ssh":
		return openSSH(cfg, h, log)
	default:
		return nil, fmt.Errorf("transport: 未知类型 %q", cfg.Type)
	}
}

// stream 基于 io.ReadWriteCloser 的通用实现
type stream struct {
	rwc       io.ReadWriteCloser
	h         Handler
	log       *logrus.Entry
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	onClose   func() error
}

func newStream(rwc io.ReadWriteCloser, h Handler, log *logrus.Entry) *stream {
	return &stream{rwc: rwc, h: h, log: log}
}

// start 启动读循环并通知端口已打开
func (s *stream) start(bufferSize int) {
	if s.h.OnStatus != nil {
		s.h.OnStatus(true)
	}
	go s.readLoop(bufferSize)
}

func (s *stream) readLoop(bufferSize int) {
	buffer := make([]byte, bufferSize)
	for {
		n, err := s.rwc.Read(buffer)
		if n > 0 && s.h.OnData != nil {
			data := make([]byte, n)
			copy(data, buffer[:n])
			s.h.OnData(data)
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				if err != io.EOF {
					s.log.Errorf("读取失败: %v", err)
				}
				if s.h.OnError != nil {
					s.h.OnError(err)
				}
			}
			s.shutdown()
			return
		}
	}
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	n, err := s.rwc.Write(p)
	if err != nil {
		return n, fmt.Errorf("写入失败: %w", err)
	}
	return n, nil
}

func (s *stream) Close() error {
	return s.shutdown()
}

func (s *stream) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.rwc.Close()
		if s.onClose != nil {
			if cerr := s.onClose(); err == nil {
				err = cerr
			}
		}
		if s.h.OnStatus != nil {
			s.h.OnStatus(false)
		}
	})
	return err
}
