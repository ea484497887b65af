// Package w433 433MHz 气象接收器驱动, 支持 La Crosse TX3 温湿度传感器.
//
// 每行 12 个十六进制字符: 3 位前缀, 1 位类型, 2 位地址, 3 位读数, 2 位冗余, 1 位校验.
package w433

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/driver"
	"github.com/GeoNomad/wizkers/internal/transport"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

const (
	Name      = "w433"
	UnknownID = "00000000 (n.a.)"
	lineLen   = 12
	maxLine   = 256

	// dedupWindow 传感器会重复发送同一读数
	dedupWindow = time.Second
)

var sensorTypesTX3 = [16]string{
	"temperature", "1", "2", "3", "4", "5", "6", "7",
	"8", "9", "10", "11", "12", "13", "humidity", "15",
}

// Reading 一条解码后的传感器读数
type Reading struct {
	Type    string
	Address int
	Value   float64
}

type Driver struct {
	log     *logrus.Entry
	host    driver.Host
	lines   *driver.LineBuffer
	sensors map[int]string
	now     func() time.Time

	prev      *Reading
	prevStamp time.Time
}

var _ driver.Driver = (*Driver)(nil)

// New sensors 为传感器地址到名称的映射, 未命名的传感器以地址作为名称
func New(log *logrus.Entry, sensors map[int]string) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	names := make(map[int]string, len(sensors))
	for addr, name := range sensors {
		names[addr] = name
	}
	return &Driver{
		log:     log.WithField("driver", Name),
		lines:   driver.NewLineBuffer('\n', maxLine),
		sensors: names,
		now:     time.Now,
	}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) PortSettings() transport.Settings {
	return transport.Settings{BaudRate: 9600, DataBits: 8, Parity: transport.ParityNone, StopBits: 1}
}

func (d *Driver) Open(h driver.Host) {
	d.host = h
	d.lines.Reset()
	d.prev = nil
}

func (d *Driver) Feed(data []byte) {
	lines, err := d.lines.Feed(data)
	if err != nil {
		d.log.Warnf("行缓冲溢出: %v", err)
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		r, ok := DecodeTX3(line)
		if !ok {
			d.log.Debugf("丢弃无效数据: %q", line)
			continue
		}
		if d.duplicate(r) {
			continue
		}
		d.host.Publish(protocol.EventReading, protocol.Response{
			protocol.KeyRaw:  line,
			"reading_type":   r.Type,
			"sensor_address": r.Address,
			"sensor_name":    d.sensorName(r.Address),
			"value":          r.Value,
		})
	}
}

func (d *Driver) duplicate(r Reading) bool {
	now := d.now()
	if d.prev != nil && now.Sub(d.prevStamp) < dedupWindow && *d.prev == r {
		return true
	}
	d.prev = &r
	d.prevStamp = now
	return false
}

func (d *Driver) sensorName(addr int) string {
	if name, ok := d.sensors[addr]; ok {
		return name
	}
	name := strconv.Itoa(addr)
	d.sensors[addr] = name
	return name
}

// CheckTX3 校验和 (前 11 位十六进制之和模 16) 与冗余字段
func CheckTX3(line string) bool {
	if len(line) != lineLen {
		return false
	}
	sum := 0
	for i := 0; i < lineLen-1; i++ {
		v, err := strconv.ParseUint(line[i:i+1], 16, 8)
		if err != nil {
			return false
		}
		sum += int(v)
	}
	chk, err := strconv.ParseUint(line[lineLen-1:], 16, 8)
	if err != nil {
		return false
	}
	return int(chk) == sum%16 && line[6:8] == line[9:11]
}

// DecodeTX3 解码一行 TX3 数据
func DecodeTX3(line string) (Reading, bool) {
	if !CheckTX3(line) {
		return Reading{}, false
	}
	typ, _ := strconv.ParseUint(line[3:4], 16, 8)
	addr, _ := strconv.ParseUint(line[4:6], 16, 8)
	r := Reading{
		Type:    sensorTypesTX3[typ],
		Address: int(addr) & 0xfe,
	}
	// 读数为三位十进制
	raw, err := strconv.Atoi(line[6:9])
	if err != nil {
		return Reading{}, false
	}
	switch r.Type {
	case "temperature":
		r.Value = float64(raw-500) / 10
	case "humidity":
		r.Value = math.Round(float64(raw) / 10)
	}
	return r, true
}

func (d *Driver) Output(cmd string) ([]byte, error) {
	return []byte(cmd + "\n"), nil
}

func (d *Driver) RequestIdentity() error {
	d.host.Publish(protocol.EventUniqueID, UnknownID)
	return nil
}

func (d *Driver) StartStream(time.Duration) {}
func (d *Driver) StopStream()               {}
func (d *Driver) IsStreaming() bool         { return true }

func (d *Driver) Status() map[string]interface{} {
	return map[string]interface{}{"sensors": len(d.sensors)}
}

func (d *Driver) Close() {
	d.lines.Reset()
	d.prev = nil
}
