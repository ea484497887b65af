// Package onyx Safecast Onyx 盖革计数器驱动, 设备以 JSON 行应答.
package onyx

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/driver"
	"github.com/GeoNomad/wizkers/internal/transport"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

const (
	Name        = "onyx"
	maxLine     = 4096
	guidRequest = `{ "get": "guid" }`
	pollCommand = "GETCPM"
)

type Driver struct {
	log          *logrus.Entry
	host         driver.Host
	lines        *driver.LineBuffer
	poller       *driver.Poller
	uidRequested bool
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
	d.lines.Reset()
	d.uidRequested = false
}

func (d *Driver) Feed(data []byte) {
	lines, err := d.lines.Feed(data)
	if err != nil {
		d.log.Warnf("行缓冲溢出: %v", err)
		d.host.Publish(protocol.EventStatus, map[string]interface{}{protocol.StatusError: err.Error()})
	}
	for _, line := range lines {
		d.handleLine(strings.TrimSpace(line))
	}
}

func (d *Driver) handleLine(line string) {
	// 设备提示符与空行
	if len(line) < 2 || strings.HasPrefix(line, ">") {
		return
	}
	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		d.log.Warnf("无法解析设备 JSON: %v, 数据: %q", err, line)
		return
	}
	if guid, ok := resp["guid"]; ok && d.uidRequested {
		d.uidRequested = false
		d.host.Publish(protocol.EventUniqueID, fmt.Sprint(guid))
		return
	}
	d.host.Publish(protocol.EventReading, protocol.Response(resp))
}

// Output 设备要求命令以两个换行结束
func (d *Driver) Output(cmd string) ([]byte, error) {
	return []byte(cmd + "\n\n"), nil
}

func (d *Driver) RequestIdentity() error {
	d.uidRequested = true
	out, _ := d.Output(guidRequest)
	return d.host.Write(out)
}

func (d *Driver) StartStream(period time.Duration) {
	if d.poller != nil {
		return
	}
	d.log.Info("开始实时数据流")
	d.poller = driver.NewPoller(d.host, period, func() {
		out, _ := d.Output(pollCommand)
		if err := d.host.Write(out); err != nil {
			d.log.Warnf("轮询写入失败: %v", err)
		}
	})
	d.poller.Start()
}

func (d *Driver) StopStream() {
	if d.poller == nil {
		return
	}
	d.log.Info("停止实时数据流")
	d.poller.Stop()
	d.poller = nil
}

func (d *Driver) IsStreaming() bool {
	return d.poller != nil
}

func (d *Driver) Status() map[string]interface{} {
	return map[string]interface{}{}
}

func (d *Driver) Close() {
	d.StopStream()
	d.lines.Reset()
	d.uidRequested = false
}
