package transport

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/GeoNomad/wizkers/internal/config"
)

func serialMode(settings Settings) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: settings.BaudRate,
		DataBits: settings.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	switch settings.Parity {
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	}
	if settings.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

func openSerial(cfg config.TransportConfig, settings Settings, h Handler, log *logrus.Entry) (Transport, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("transport: serial 需要 path")
	}
	mode := serialMode(settings)
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("打开串口 %s 失败: %w", cfg.Path, describeSerialError(err))
	}
	// 丢弃打开前残留的数据
	if err := port.ResetInputBuffer(); err != nil {
		log.Warnf("清空串口输入缓冲失败: %v", err)
	}

	log.Infof("串口已打开: %s (%d baud)", cfg.Path, mode.BaudRate)
	s := newStream(port, h, log)
	s.start(1024)
	return s, nil
}

// describeSerialError 给常见串口错误补充说明
func describeSerialError(err error) error {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return err
	}
	switch portErr.Code() {
	case serial.PortNotFound:
		return fmt.Errorf("设备不存在: %w", err)
	case serial.PortBusy:
		return fmt.Errorf("设备被占用: %w", err)
	case serial.PermissionDenied:
		return fmt.Errorf("权限不足: %w", err)
	default:
		return err
	}
}
