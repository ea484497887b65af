// Package driver 定义所有仪器驱动共用的能力接口.
//
// 每种仪器一个实现; 连接打开时按仪器类型选定, 之后不再替换.
// 驱动的所有方法只在所属连接的事件循环中调用, 因此驱动内部无需加锁.
package driver

import (
	"time"

	"github.com/GeoNomad/wizkers/internal/transport"
)

// Timer 可取消的定时器
type Timer interface {
	Stop() bool
}

// Host 连接提供给驱动的环境
type Host interface {
	// Write 直接写入传输层 (链路层应答、队列中的命令等)
	Write(p []byte) error
	// Publish 发布一条事件: reading / uniqueId / status / screenshot
	Publish(event string, payload interface{})
	// AfterFunc 在 d 之后于事件循环中执行 f
	AfterFunc(d time.Duration, f func()) Timer
}

// Driver 仪器驱动
type Driver interface {
	Name() string
	PortSettings() transport.Settings

	// Open 端口打开后绑定 Host 并重置协议状态
	Open(h Host)
	// Feed 处理一段收到的原始字节
	Feed(data []byte)
	// Output 编码一条命令, 返回需要写入的字节; 命令被排队时返回 nil
	Output(cmd string) ([]byte, error)
	RequestIdentity() error
	StartStream(period time.Duration)
	StopStream()
	IsStreaming() bool
	// Status 合并到连接状态中的驱动状态
	Status() map[string]interface{}
	// Close 取消定时器并清空全部协议状态
	Close()
}
