package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
)

const dialTimeout = 10 * time.Second

// openTCP 连接以原始套接字暴露的串口 (ser2net 等)
func openTCP(cfg config.TransportConfig, h Handler, log *logrus.Entry) (Transport, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("transport: tcp 需要 address")
	}
	conn, err := net.DialTimeout("tcp", cfg.Address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", cfg.Address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
	}

	log.Infof("TCP 串口已连接: %s", cfg.Address)
	s := newStream(conn, h, log)
	s.start(4096)
	return s, nil
}
