// Package fluke 实现 Fluke 287/289 万用表的二进制链路协议.
//
// 出站: 命令 → 队列 → 成帧 → 传输层. 入站: 字节 → 切帧/校验 → 会话状态机 → 响应解码.
// 同一时刻只有一条命令在途, 应答按发送顺序与待决命令匹配.
package fluke

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/bitmap"
	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/internal/driver"
	"github.com/GeoNomad/wizkers/internal/monitor"
	"github.com/GeoNomad/wizkers/internal/parser"
	"github.com/GeoNomad/wizkers/internal/transport"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

const Name = "fluke28x"

const screenshotCommand = "QLCDBM"

var (
	ErrEmptyCommand = errors.New("fluke: empty command")
	ErrLinkError    = errors.New("fluke: link error reported by meter")
	ErrTimeout      = errors.New("fluke: no response from meter")
)

// Options 驱动参数
type Options struct {
	Instrument     string
	CommandTimeout time.Duration
	Retries        int
	MaxBuffer      int
	ChunkSize      int
	MaxBitmapBytes int
	Logger         *logrus.Entry
}

// OptionsFromConfig 从配置构造参数
func OptionsFromConfig(instrument string, c config.FlukeConfig, log *logrus.Entry) Options {
	return Options{
		Instrument:     instrument,
		CommandTimeout: c.CommandTimeout,
		Retries:        c.Retries,
		MaxBuffer:      c.MaxBuffer,
		ChunkSize:      c.ChunkSize,
		MaxBitmapBytes: c.MaxBitmapBytes,
		Logger:         log,
	}
}

// Driver Fluke 28x 驱动. 所有方法都在连接的事件循环中调用.
type Driver struct {
	opts   Options
	log    *logrus.Entry
	host   driver.Host
	parser *parser.Parser
	framer *Framer

	link       LinkState
	state      SessionState
	statusByte byte
	pending    pendingCommand
	queue      commandQueue
	assembly   *BitmapAssembly

	timer    driver.Timer
	timerGen int

	poller       *driver.Poller
	uidRequested bool
}

var _ driver.Driver = (*Driver)(nil)

func New(opts Options) *Driver {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 300 * time.Millisecond
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		opts:     opts,
		log:      opts.Logger.WithField("driver", Name),
		parser:   parser.NewParser(),
		framer:   NewFramer(opts.MaxBuffer),
		assembly: NewBitmapAssembly(opts.ChunkSize, opts.MaxBitmapBytes),
	}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) PortSettings() transport.Settings {
	return transport.Settings{BaudRate: 115200, DataBits: 8, Parity: transport.ParityNone, StopBits: 1}
}

func (d *Driver) Open(h driver.Host) {
	d.reset()
	d.host = h
}

// Output 编码一条命令. 链路未打开或有命令在途时命令进入队列,
// 此时返回链路打开请求或 nil.
func (d *Driver) Output(cmd string) ([]byte, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, ErrEmptyCommand
	}

	switch d.link {
	case LinkClosed:
		d.queue.Push(cmd)
		d.updateQueueDepth()
		d.log.Debugf("链路未打开, 请求打开并排队命令: %s", cmd)
		return d.connectRequest(), nil
	case LinkConnectRequested:
		d.queue.Push(cmd)
		d.updateQueueDepth()
		d.log.Debugf("等待链路打开, 排队命令: %s", cmd)
		return nil, nil
	}

	if d.state != StateIdle || d.queue.Len() > 0 {
		d.queue.Push(cmd)
		d.updateQueueDepth()
		if d.state != StateIdle {
			d.log.Debugf("命令 %s 在途, 排队命令: %s", d.pending.name, cmd)
			return nil, nil
		}
		cmd, _ = d.queue.Pop()
		d.updateQueueDepth()
	}
	return d.transmit(cmd), nil
}

// RequestIdentity 序列号即唯一标识
func (d *Driver) RequestIdentity() error {
	d.uidRequested = true
	return d.send("QSN")
}

// StartStream 按周期查询当前读数, 仅在空闲且队列为空时发出.
// 链路打开超时后队列仍有命令时, 轮询改为重新请求打开链路.
func (d *Driver) StartStream(period time.Duration) {
	d.StopStream()
	d.poller = driver.NewPoller(d.host, period, func() {
		if d.link == LinkClosed && d.queue.Len() > 0 {
			d.log.Debugf("链路已关闭, %d 条命令待发, 重新请求打开", d.queue.Len())
			d.write(d.connectRequest())
			return
		}
		if d.state != StateIdle || d.queue.Len() > 0 || d.link == LinkConnectRequested {
			return
		}
		if err := d.send("QM"); err != nil {
			d.log.Warnf("轮询写入失败: %v", err)
		}
	})
	d.poller.Start()
}

func (d *Driver) StopStream() {
	if d.poller != nil {
		d.poller.Stop()
		d.poller = nil
	}
}

func (d *Driver) IsStreaming() bool {
	return d.poller != nil
}

func (d *Driver) Status() map[string]interface{} {
	return map[string]interface{}{
		"link":      d.link.String(),
		"session":   d.state.String(),
		"pending":   d.pending.text,
		"queue":     d.queue.Len(),
		"buffered":  d.framer.Buffered(),
		"streaming": d.IsStreaming(),
	}
}

func (d *Driver) Close() {
	d.StopStream()
	d.reset()
}

// reset 取消定时器并清空全部协议状态
func (d *Driver) reset() {
	d.stopTimer()
	d.link = LinkClosed
	d.state = StateIdle
	d.statusByte = 0x00
	d.pending = pendingCommand{}
	d.queue.Clear()
	d.assembly.Reset()
	d.framer.Reset()
	d.uidRequested = false
	d.updateQueueDepth()
}

// send 编码并直接写出
func (d *Driver) send(cmd string) error {
	frame, err := d.Output(cmd)
	if err != nil {
		return err
	}
	return d.write(frame)
}

func (d *Driver) write(p []byte) error {
	if len(p) == 0 || d.host == nil {
		return nil
	}
	if err := d.host.Write(p); err != nil {
		d.log.Errorf("写入失败: %v", err)
		return err
	}
	return nil
}

func (d *Driver) connectRequest() []byte {
	d.link = LinkConnectRequested
	d.armTimer()
	return EncodeFrame(ctrlConnect, nil)
}

// transmit 发出命令并进入 AwaitingAck
func (d *Driver) transmit(cmd string) []byte {
	name, arg := parser.SplitCommand(cmd)
	d.pending = pendingCommand{text: cmd, name: name, argument: arg}
	d.state = StateAwaitingAck
	d.armTimer()
	monitor.CommandsSent.WithLabelValues(d.opts.Instrument, name).Inc()
	d.log.Debugf("发送命令: %s", cmd)
	return EncodeFrame(d.statusByte, []byte(cmd))
}

// drain 空闲时发出队首命令
func (d *Driver) drain() {
	if d.link != LinkOpen || d.state != StateIdle {
		return
	}
	cmd, ok := d.queue.Pop()
	if !ok {
		return
	}
	d.updateQueueDepth()
	d.log.Debugf("命令队列: 取出 %s", cmd)
	d.write(d.transmit(cmd))
}

func (d *Driver) armTimer() {
	d.stopTimer()
	if d.host == nil {
		return
	}
	gen := d.timerGen
	d.timer = d.host.AfterFunc(d.opts.CommandTimeout, func() {
		if gen != d.timerGen {
			return
		}
		d.timer = nil
		d.onTimeout()
	})
}

func (d *Driver) stopTimer() {
	d.timerGen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Driver) onTimeout() {
	if d.link == LinkConnectRequested {
		d.log.Warn("链路打开请求超时")
		d.link = LinkClosed
		monitor.CommandTimeouts.WithLabelValues(d.opts.Instrument).Inc()
		d.publishStatus(fmt.Errorf("%w: link open request", ErrTimeout))
		return
	}

	if d.pending.text == "" {
		return
	}
	if d.pending.attempts < d.opts.Retries {
		d.pending.attempts++
		d.log.Debugf("命令 %s 超时, 重试第 %d 次", d.pending.text, d.pending.attempts)
		d.state = StateAwaitingAck
		d.armTimer()
		d.write(EncodeFrame(d.statusByte, []byte(d.pending.text)))
		return
	}

	d.log.Warnf("等待命令响应超时: %s", d.pending.text)
	monitor.CommandTimeouts.WithLabelValues(d.opts.Instrument).Inc()
	d.publishReading(protocol.Response{
		protocol.KeyError:   true,
		protocol.KeyTimeout: true,
		protocol.KeyCommand: d.pending.name,
	})
	if d.pending.name == screenshotCommand {
		d.assembly.Reset()
	}
	d.finish()
}

// finish 结束当前交互并继续处理队列
func (d *Driver) finish() {
	d.stopTimer()
	d.state = StateIdle
	d.pending = pendingCommand{}
	d.drain()
}

// Feed 处理收到的字节
func (d *Driver) Feed(data []byte) {
	d.framer.Feed(data)

	for {
		frame, ok, err := d.framer.Next()
		if err != nil {
			d.log.Warnf("帧错误: %v", err)
			monitor.FramesReceived.WithLabelValues(d.opts.Instrument, frameErrorLabel(err)).Inc()
			d.publishStatus(err)
			continue
		}
		if !ok {
			return
		}
		monitor.FramesReceived.WithLabelValues(d.opts.Instrument, "ok").Inc()
		d.handleFrame(frame)
	}
}

func frameErrorLabel(err error) string {
	switch {
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrBufferOverflow):
		return "overflow"
	default:
		return "framing"
	}
}

func (d *Driver) handleFrame(f Frame) {
	switch f.Control {
	case ctrlCRCError:
		d.log.Warn("仪表报告出站帧校验错误")
		d.publishStatus(fmt.Errorf("%w: reported by meter", ErrChecksum))
	case ctrlLinkOpen:
		d.log.Debug("链路已打开")
		d.link = LinkOpen
		if d.state == StateIdle {
			d.stopTimer()
		}
	case ctrlLinkError:
		d.linkError()
		return
	case ctrlAck, ctrlAckAlt:
		d.log.Debug("链路层 ACK")
	case ctrlNeedAck:
		d.write(EncodeFrame(ctrlAckReply, nil))
		d.statusByte = 0x40
	case ctrlNeedAckAlt:
		d.write(EncodeFrame(ctrlAckReplyAlt, nil))
		d.statusByte = 0x00
	}

	if len(f.Payload) > 0 {
		d.handlePayload(f.Payload)
	}
	d.drain()
}

// linkError 仪表报告链路错误: 完全重新同步, 队列保留并重新请求打开链路
func (d *Driver) linkError() {
	d.log.Warn("链路错误, 重置协议状态")
	d.stopTimer()
	d.link = LinkClosed
	d.state = StateIdle
	d.statusByte = 0x00
	d.pending = pendingCommand{}
	d.assembly.Reset()
	d.publishStatus(ErrLinkError)

	if d.queue.Len() > 0 {
		d.write(d.connectRequest())
	}
}

func (d *Driver) handlePayload(payload []byte) {
	switch d.state {
	case StateAwaitingAck:
		d.handleAck(payload)
	case StateAwaitingResponse:
		d.stopTimer()
		body := strings.TrimRight(string(payload), "\r")
		if d.pending.name == screenshotCommand {
			d.handleChunk(payload)
			return
		}
		d.complete(&parser.Reply{Code: parser.CodeOK, Body: body, HasBody: body != ""})
	default:
		d.log.Debugf("忽略未请求的数据: %q", payload)
	}
}

func (d *Driver) handleAck(payload []byte) {
	d.stopTimer()
	reply, err := d.parser.ParseReply(payload)
	if err != nil {
		d.log.Warnf("无法解析状态码: %v", err)
		monitor.DataErrors.Inc()
		d.state = StateError
		d.publishReading(protocol.Response{
			protocol.KeyError:       true,
			protocol.KeyCommand:     d.pending.name,
			protocol.KeyDecodeError: err.Error(),
		})
		d.finish()
		return
	}

	switch reply.Code {
	case parser.CodeOK:
		if d.parser.IsNoReply(d.pending.name) {
			d.publishReading(protocol.Response{protocol.KeyError: false, protocol.KeyCommand: d.pending.name})
			d.finish()
			return
		}
		d.state = StateAwaitingResponse
		if d.pending.name == screenshotCommand && parser.IsBinaryReply(payload) {
			d.handleChunk(payload)
			return
		}
		if reply.HasBody {
			d.complete(reply)
			return
		}
		d.armTimer()
	case parser.CodeNoData:
		d.publishReading(protocol.Response{
			protocol.KeyError:      false,
			protocol.KeyCommand:    d.pending.name,
			protocol.KeyStatusCode: reply.Code,
		})
		d.finish()
	default:
		d.state = StateError
		res := parser.ErrorResult(d.pending.name, reply.Code)
		d.log.Warnf("%v", res.Error)
		if d.pending.name == screenshotCommand {
			d.assembly.Reset()
		}
		d.publishReading(res.Data)
		d.finish()
	}
}

// complete 解码 ASCII 响应并发布
func (d *Driver) complete(reply *parser.Reply) {
	res := d.parser.Decode(d.pending.name, d.pending.argument, reply)
	if res.Warning != "" {
		d.log.Warn(res.Warning)
	}
	if res.Error != nil {
		monitor.DataErrors.Inc()
		d.log.Warnf("解码失败: %v", res.Error)
	}
	res.Data[protocol.KeyCommand] = d.pending.name

	// 身份查询的序列号只作为 uniqueId 发布
	if d.pending.name == "QSN" && d.uidRequested {
		d.uidRequested = false
		if serial, ok := res.Data["serial"].(string); ok && res.Error == nil {
			d.host.Publish(protocol.EventUniqueID, serial)
			d.finish()
			return
		}
	}
	d.publishReading(res.Data)
	d.finish()
}

// handleChunk 截图分块: 整块时插队请求下一块, 短块时触发解码
func (d *Driver) handleChunk(chunk []byte) {
	done, next, err := d.assembly.Add(chunk)
	if err != nil {
		d.log.Warnf("截图传输失败: %v", err)
		monitor.Screenshots.WithLabelValues(d.opts.Instrument, "error").Inc()
		d.assembly.Reset()
		d.publishStatus(err)
		d.finish()
		return
	}
	d.log.Debugf("收到截图数据 %d 字节, 累计 %d", len(chunk), next)
	if !done {
		d.queue.PushFront(screenshotCommand + " " + strconv.Itoa(next))
		d.updateQueueDepth()
		d.finish()
		return
	}

	chunks := d.assembly.Chunks()
	d.assembly.Reset()
	shot, err := bitmap.Process(chunks)
	if err != nil {
		d.log.Warnf("截图解码失败: %v", err)
		monitor.Screenshots.WithLabelValues(d.opts.Instrument, "error").Inc()
		d.publishStatus(fmt.Errorf("screenshot: %w", err))
		d.finish()
		return
	}
	monitor.Screenshots.WithLabelValues(d.opts.Instrument, "ok").Inc()
	d.host.Publish(protocol.EventScreenshot, shot)
	d.finish()
}

func (d *Driver) publishReading(r protocol.Response) {
	if d.host != nil {
		d.host.Publish(protocol.EventReading, r)
	}
}

func (d *Driver) publishStatus(err error) {
	if d.host != nil {
		d.host.Publish(protocol.EventStatus, map[string]interface{}{protocol.StatusError: err.Error()})
	}
}

func (d *Driver) updateQueueDepth() {
	monitor.QueueDepth.WithLabelValues(d.opts.Instrument).Set(float64(d.queue.Len()))
}
