package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/internal/driver/registry"
	"github.com/GeoNomad/wizkers/internal/handler"
	"github.com/GeoNomad/wizkers/internal/output"
)

var ErrUnknownInstrument = errors.New("未知仪器")

// Manager 按配置为每台仪器创建连接; 仪器集合在启动后不再变化
type Manager struct {
	conns map[string]*handler.ConnectionHandler
	order []string
	insts map[string]config.InstrumentConfig
	log   *logrus.Logger
}

var _ output.Controller = (*Manager)(nil)

func NewManager(cfg *config.Config, sink handler.Sink, dial handler.DialFunc, log *logrus.Logger) (*Manager, error) {
	m := &Manager{
		conns: make(map[string]*handler.ConnectionHandler, len(cfg.Instruments)),
		insts: make(map[string]config.InstrumentConfig, len(cfg.Instruments)),
		log:   log,
	}
	for _, inst := range cfg.Instruments {
		drv, err := registry.New(inst.Driver, registry.Options{
			Instrument: inst,
			Fluke:      cfg.Fluke,
			Logger:     log.WithField("instrument", inst.ID),
		})
		if err != nil {
			m.Shutdown()
			return nil, fmt.Errorf("仪器 %s: %w", inst.ID, err)
		}
		m.conns[inst.ID] = handler.NewConnectionHandler(inst, drv, sink, dial, log)
		m.insts[inst.ID] = inst
		m.order = append(m.order, inst.ID)
	}
	return m, nil
}

// Autostart 打开配置了 autostart 的仪器并开始数据流
func (m *Manager) Autostart() {
	for _, id := range m.order {
		if !m.insts[id].Autostart {
			continue
		}
		conn := m.conns[id]
		if err := conn.Open(); err != nil {
			m.log.Errorf("自动打开仪器 %s 失败: %v", id, err)
			continue
		}
		if err := conn.StartStream(0); err != nil {
			m.log.Warnf("仪器 %s 开始数据流失败: %v", id, err)
		}
	}
}

func (m *Manager) Get(id string) (*handler.ConnectionHandler, error) {
	conn, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	return conn, nil
}

// InstrumentInfo 仪器列表项
type InstrumentInfo struct {
	ID        string                 `json:"id"`
	Driver    string                 `json:"driver"`
	Transport string                 `json:"transport"`
	Status    map[string]interface{} `json:"status"`
}

func (m *Manager) List() []InstrumentInfo {
	list := make([]InstrumentInfo, 0, len(m.order))
	for _, id := range m.order {
		status, _ := m.conns[id].Status()
		list = append(list, InstrumentInfo{
			ID:        id,
			Driver:    m.insts[id].Driver,
			Transport: m.insts[id].Transport.Type,
			Status:    status,
		})
	}
	return list
}

func (m *Manager) Open(id string) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return conn.Open()
}

func (m *Manager) Close(id string) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (m *Manager) Status(id string) (map[string]interface{}, error) {
	conn, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return conn.Status()
}

func (m *Manager) Command(id, cmd string) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return conn.Send(cmd)
}

func (m *Manager) RequestIdentity(id string) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return conn.RequestIdentity()
}

func (m *Manager) StartStream(id string, period time.Duration) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return conn.StartStream(period)
}

func (m *Manager) StopStream(id string) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return conn.StopStream()
}

// Shutdown 关闭所有仪器
func (m *Manager) Shutdown() {
	for _, id := range m.order {
		m.conns[id].Shutdown()
	}
	m.log.Info("所有仪器已关闭")
}
