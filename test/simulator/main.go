// Fluke 28x 仪表模拟器, 通过 TCP 提供链路层, 配合 transport.type=tcp 使用
package main

import (
	"flag"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:7010", "监听地址")
	verbose := flag.Bool("v", false, "输出帧级日志")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("监听失败: %v", err)
	}
	log.Infof("Fluke 模拟器已启动: %s", *listen)

	var connID int64
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Errorf("接受连接错误: %v", err)
			continue
		}
		id := atomic.AddInt64(&connID, 1)
		go serve(conn, log.WithField("conn", id))
	}
}

func serve(conn net.Conn, log *logrus.Entry) {
	defer conn.Close()
	log.Infof("新连接: %s", conn.RemoteAddr())

	meter, err := NewMeter(time.Now().UnixNano(), log)
	if err != nil {
		log.Errorf("初始化仪表失败: %v", err)
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Infof("连接关闭: %v", err)
			return
		}
		for _, frame := range meter.Feed(buf[:n]) {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write(frame); err != nil {
				log.Errorf("发送失败: %v", err)
				return
			}
		}
	}
}
