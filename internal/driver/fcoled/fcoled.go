// Package fcoled FriedCircuits OLED 背板 (USB 电压/电流计) 驱动.
// 设备自主推送 JSON 行, 无需轮询, 也没有唯一标识.
package fcoled

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/driver"
	"github.com/GeoNomad/wizkers/internal/transport"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

const (
	Name = "fcoledv1"
	// UnknownID 设备不提供序列号时使用的标识
	UnknownID = "00000000 (n.a.)"
	maxLine   = 1024
)

type Driver struct {
	log   *logrus.Entry
	host  driver.Host
	lines *driver.LineBuffer
}

var _ driver.Driver = (*Driver)(nil)

func New(log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		log:   log.WithField("driver", Name),
		lines: driver.NewLineBuffer('\n', maxLine),
	}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) PortSettings() transport.Settings {
	return transport.Settings{BaudRate: 115200, DataBits: 8, Parity: transport.ParityNone, StopBits: 1}
}

func (d *Driver) Open(h driver.Host) {
	d.host = h
	d.log.Debug("端口已打开")
	d.lines.Reset()
}

func (d *Driver) Feed(data []byte) {
	lines, err := d.lines.Feed(data)
	if err != nil {
		d.log.Warnf("行缓冲溢出: %v", err)
		d.host.Publish(protocol.EventStatus, map[string]interface{}{protocol.StatusError: err.Error()})
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := protocol.Response{}
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			d.log.Warnf("无法解析数据: %v - %q", err, line)
			continue
		}
		d.host.Publish(protocol.EventReading, fields)
	}
}

func (d *Driver) Output(cmd string) ([]byte, error) {
	return []byte(cmd + "\n"), nil
}

func (d *Driver) RequestIdentity() error {
	d.host.Publish(protocol.EventUniqueID, UnknownID)
	return nil
}

// 设备自主推送, 以下为空操作
func (d *Driver) StartStream(time.Duration) {}
func (d *Driver) StopStream()               {}
func (d *Driver) IsStreaming() bool         { return true }

func (d *Driver) Status() map[string]interface{} {
	return map[string]interface{}{}
}

func (d *Driver) Close() {
	d.lines.Reset()
}
