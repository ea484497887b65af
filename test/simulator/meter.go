package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/driver/fluke"
)

const (
	chunkData   = 1020 // 每块除 "0\r#0" 之外的数据字节
	screenW     = 320
	screenH     = 240
	meterSerial = "12345678"
)

// Meter 仪表一侧的链路层: 应答连接请求, 执行命令, 分块返回截图
type Meter struct {
	framer *fluke.Framer
	ctrl   byte
	screen []byte
	rng    *rand.Rand
	log    *logrus.Entry
}

func NewMeter(seed int64, log *logrus.Entry) (*Meter, error) {
	screen, err := compressedScreen()
	if err != nil {
		return nil, err
	}
	return &Meter{
		framer: fluke.NewFramer(4096),
		ctrl:   0x20,
		screen: screen,
		rng:    rand.New(rand.NewSource(seed)),
		log:    log,
	}, nil
}

// Feed 处理主机发来的字节, 返回需要回送的帧
func (m *Meter) Feed(data []byte) [][]byte {
	m.framer.Feed(data)

	var out [][]byte
	for {
		frame, ok, err := m.framer.Next()
		if errors.Is(err, fluke.ErrChecksum) {
			m.log.Warnf("校验错误: %v", err)
			out = append(out, fluke.EncodeFrame(0x05, nil))
			continue
		}
		if err != nil {
			m.log.Warnf("帧错误: %v", err)
			out = append(out, fluke.EncodeFrame(0x0b, nil))
			continue
		}
		if !ok {
			return out
		}
		switch frame.Control {
		case 0x03:
			m.log.Debug("连接请求")
			out = append(out, fluke.EncodeFrame(0x07, nil))
		case 0x21, 0x61:
			// 主机确认
		case 0x00, 0x40:
			cmd := string(frame.Payload)
			m.log.Debugf("命令: %s", cmd)
			out = append(out, fluke.EncodeFrame(m.nextCtrl(), m.execute(cmd)))
		default:
			m.log.Warnf("未知控制字节 0x%02x", frame.Control)
		}
	}
}

func (m *Meter) nextCtrl() byte {
	c := m.ctrl
	if m.ctrl == 0x20 {
		m.ctrl = 0x60
	} else {
		m.ctrl = 0x20
	}
	return c
}

func (m *Meter) execute(cmd string) []byte {
	fields := strings.SplitN(strings.TrimSpace(cmd), " ", 2)
	name := strings.ToUpper(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch name {
	case "ID":
		return []byte("0\rFLUKE 289,V1.16," + meterSerial + "\r")
	case "QSN":
		return []byte("0\r" + meterSerial + "\r")
	case "QM":
		v := 4.5 + m.rng.Float64()
		return []byte(fmt.Sprintf("0\r%.4E,VDC,NORMAL,NONE\r", v))
	case "QBL":
		return []byte("0\r81\r")
	case "QMPQ":
		return []byte("0\r'wizkers " + arg + "'\r")
	case "LEDT", "PRESS", "MP":
		return []byte("0\r")
	case "QLCDBM":
		offset, err := strconv.Atoi(arg)
		if err != nil || offset < 0 || offset > len(m.screen) {
			return []byte("1\r")
		}
		end := offset + chunkData
		if end > len(m.screen) {
			end = len(m.screen)
		}
		return append([]byte("0\r#0"), m.screen[offset:end]...)
	default:
		return []byte("1\r")
	}
}

// compressedScreen 生成 1 位黑白 BMP 并用 zlib 压缩; 上半屏斜条纹, 下半屏噪声
func compressedScreen() ([]byte, error) {
	noise := rand.New(rand.NewSource(1))
	stride := (screenW + 31) / 32 * 4
	imageSize := stride * screenH
	offBits := 14 + 40 + 8

	bmp := make([]byte, offBits+imageSize)
	copy(bmp, "BM")
	binary.LittleEndian.PutUint32(bmp[2:], uint32(len(bmp)))
	binary.LittleEndian.PutUint32(bmp[10:], uint32(offBits))
	binary.LittleEndian.PutUint32(bmp[14:], 40)
	binary.LittleEndian.PutUint32(bmp[18:], screenW)
	binary.LittleEndian.PutUint32(bmp[22:], screenH)
	binary.LittleEndian.PutUint16(bmp[26:], 1)
	binary.LittleEndian.PutUint16(bmp[28:], 1)
	binary.LittleEndian.PutUint32(bmp[34:], uint32(imageSize))
	// 调色板: 0 黑, 1 白
	copy(bmp[58:], []byte{0xff, 0xff, 0xff, 0x00})

	for y := 0; y < screenH; y++ {
		row := bmp[offBits+y*stride:]
		for x := 0; x < screenW; x++ {
			on := (x+y)%8 < 4
			if y < screenH/2 {
				on = noise.Intn(2) == 0
			}
			if on {
				row[x/8] |= 0x80 >> (x % 8)
			}
		}
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(bmp); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
