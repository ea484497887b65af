// Package elecraft Elecraft KX3 / KXPA100 电台驱动, 命令与应答均以 ';' 结束.
package elecraft

import (
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/driver"
	"github.com/GeoNomad/wizkers/internal/transport"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

const (
	Name    = "elecraft"
	maxLine = 512

	identityQuery = "MN026;ds;MN255;"
	identityReply = "DS@@@"
	// K31 打开扩展应答, AI2 不会发送初始值, 因此先查询一遍
	streamStart = "K31;IF;FA;FB;RG;FW;MG;IS;BN;MD;AI2;"
	streamStop  = "AI0;"
	streamPoll  = "DB;DS;BN;PO;^PI;^PF;^PV;^TM;^PC;^SV;"
)

type Driver struct {
	log          *logrus.Entry
	host         driver.Host
	lines        *driver.LineBuffer
	poller       *driver.Poller
	uidRequested bool

	vfoaFrequency int64
	vfoaBandwidth int64
}

var _ driver.Driver = (*Driver)(nil)

func New(log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		log:   log.WithField("driver", Name),
		lines: driver.NewLineBuffer(';', maxLine),
	}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) PortSettings() transport.Settings {
	return transport.Settings{BaudRate: 38400, DataBits: 8, Parity: transport.ParityNone, StopBits: 1}
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
		d.handleLine(strings.TrimLeft(line, "\r\n"))
	}
}

func (d *Driver) handleLine(line string) {
	if line == "" {
		return
	}
	if d.uidRequested && strings.HasPrefix(line, identityReply) {
		d.uidRequested = false
		id := strings.TrimPrefix(line, identityReply)
		if len(id) > 5 {
			id = id[:5]
		}
		d.host.Publish(protocol.EventUniqueID, id)
		return
	}

	resp := protocol.Response{protocol.KeyRaw: line + ";"}
	if len(line) >= 2 {
		code := line[:2]
		resp[protocol.KeyCommand] = code
		switch code {
		case "FA":
			if v, err := strconv.ParseInt(line[2:], 10, 64); err == nil {
				d.vfoaFrequency = v
				resp["vfoa_frequency"] = v
			}
		case "FW":
			if v, err := strconv.ParseInt(line[2:], 10, 64); err == nil {
				d.vfoaBandwidth = v
				resp["vfoa_bandwidth"] = v
			}
		}
	}
	d.host.Publish(protocol.EventReading, resp)
}

// Output 命令原样发送, 缺少结束符时补上 ';'
func (d *Driver) Output(cmd string) ([]byte, error) {
	if !strings.HasSuffix(cmd, ";") {
		cmd += ";"
	}
	return []byte(cmd), nil
}

func (d *Driver) RequestIdentity() error {
	d.uidRequested = true
	return d.host.Write([]byte(identityQuery))
}

func (d *Driver) StartStream(period time.Duration) {
	if d.poller != nil {
		return
	}
	d.log.Info("开始实时数据流")
	if err := d.host.Write([]byte(streamStart)); err != nil {
		d.log.Warnf("写入失败: %v", err)
	}
	d.poller = driver.NewPoller(d.host, period, func() {
		if err := d.host.Write([]byte(streamPoll)); err != nil {
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
	if err := d.host.Write([]byte(streamStop)); err != nil {
		d.log.Warnf("写入失败: %v", err)
	}
}

func (d *Driver) IsStreaming() bool {
	return d.poller != nil
}

func (d *Driver) Status() map[string]interface{} {
	return map[string]interface{}{
		"vfoa_frequency": d.vfoaFrequency,
		"vfoa_bandwidth": d.vfoaBandwidth,
	}
}

func (d *Driver) Close() {
	if d.poller != nil {
		d.poller.Stop()
		d.poller = nil
	}
	d.lines.Reset()
	d.uidRequested = false
}
