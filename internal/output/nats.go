package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/pkg/protocol"
)

// Controller 下行命令的执行方 (仪器管理器)
type Controller interface {
	Command(id, cmd string) error
	RequestIdentity(id string) error
	StartStream(id string, period time.Duration) error
	StopStream(id string) error
}

// DownlinkCommand NATS 下行消息
//
// 例: {"command":"QM"} / {"identity":true} / {"stream":"start","period_ms":1000}
type DownlinkCommand struct {
	Command  string `json:"command,omitempty"`
	Identity bool   `json:"identity,omitempty"`
	Stream   string `json:"stream,omitempty"`
	PeriodMS int    `json:"period_ms,omitempty"`
}

var ErrEmptyDownlink = errors.New("下行消息为空")

// NATSPublisher 上行事件发布到 <prefix>.<id>.<event>, 并订阅 <prefix>.*.command 下行命令
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    *logrus.Logger
	sub    *nats.Subscription
}

func NewNATSPublisher(url, prefix string, log *logrus.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("wizkers"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS 连接断开: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("NATS 已重连: %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接NATS失败: %w", err)
	}
	log.Infof("NATS连接成功: %s", url)
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

// Subject 上行主题
func (p *NATSPublisher) Subject(instrument, event string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, instrument, event)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Instrument, ev.Event), data); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}
	return nil
}

// Listen 订阅下行命令
func (p *NATSPublisher) Listen(ctrl Controller) error {
	subject := p.prefix + ".*.command"
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		id := instrumentFromSubject(p.prefix, msg.Subject)
		reply := map[string]interface{}{"instrument": id, "ok": true}
		if err := HandleDownlink(ctrl, id, msg.Data); err != nil {
			p.log.Warnf("下行命令处理失败 [%s]: %v", id, err)
			reply["ok"] = false
			reply["error"] = err.Error()
		}
		if msg.Reply != "" {
			if data, err := json.Marshal(reply); err == nil {
				msg.Respond(data)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("订阅 %s 失败: %w", subject, err)
	}
	p.sub = sub
	p.log.Infof("已订阅下行命令: %s", subject)
	return nil
}

// HandleDownlink 解析并执行一条下行消息
func HandleDownlink(ctrl Controller, id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("主题中缺少仪器 ID")
	}
	var cmd DownlinkCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("解析下行消息失败: %w", err)
	}

	switch {
	case cmd.Command != "":
		return ctrl.Command(id, cmd.Command)
	case cmd.Identity:
		return ctrl.RequestIdentity(id)
	case cmd.Stream == "start":
		return ctrl.StartStream(id, time.Duration(cmd.PeriodMS)*time.Millisecond)
	case cmd.Stream == "stop":
		return ctrl.StopStream(id)
	case cmd.Stream != "":
		return fmt.Errorf("未知的 stream 操作: %q", cmd.Stream)
	}
	return ErrEmptyDownlink
}

func instrumentFromSubject(prefix, subject string) string {
	rest := strings.TrimPrefix(subject, prefix+".")
	if rest == subject {
		return ""
	}
	return strings.TrimSuffix(rest, ".command")
}

func (p *NATSPublisher) Close() error {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
