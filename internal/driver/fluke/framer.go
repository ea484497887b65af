package fluke

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 链路层控制字符
const (
	DLE = 0x10
	STX = 0x02
	ETX = 0x03
)

// minFrameLen 10 02 ctrl 10 03 crc crc
const minFrameLen = 7

var (
	ErrChecksum       = errors.New("fluke: frame checksum mismatch")
	ErrFraming        = errors.New("fluke: malformed frame")
	ErrBufferOverflow = errors.New("fluke: inbound buffer overflow")
)

// Frame 一个已校验的链路层帧
type Frame struct {
	Control byte
	Payload []byte
}

// LocateStart 查找起始标记 10 02, 跳过转义的 10 10. 未找到返回 -1.
func LocateStart(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] != DLE {
			continue
		}
		if buf[i+1] == STX {
			return i
		}
		if buf[i+1] == DLE {
			i++
		}
	}
	return -1
}

// LocateEnd 从 start 开始查找结束标记 10 03, 返回包含两字节校验的帧末尾 (不含).
// 帧尚不完整时返回 -1.
func LocateEnd(buf []byte, start int) int {
	for i := start + 2; i+1 < len(buf); i++ {
		if buf[i] != DLE {
			continue
		}
		if buf[i+1] == ETX {
			if i+4 <= len(buf) {
				return i + 4
			}
			return -1
		}
		if buf[i+1] == DLE {
			i++
		}
	}
	return -1
}

// Unescape 去掉转义: 10 x → x
func Unescape(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == DLE && i+1 < len(b) {
			i++
		}
		out = append(out, b[i])
	}
	return out
}

// Escape 数据中的 10 写成 10 10
func Escape(b []byte) []byte {
	out := make([]byte, 0, len(b)+4)
	for _, c := range b {
		if c == DLE {
			out = append(out, DLE)
		}
		out = append(out, c)
	}
	return out
}

// Checksum CRC-16/X-25, 覆盖控制字节、未转义数据和 10 03
func Checksum(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

func frameChecksum(ctrl byte, payload []byte) uint16 {
	body := make([]byte, 0, len(payload)+3)
	body = append(body, ctrl)
	body = append(body, payload...)
	body = append(body, DLE, ETX)
	return Checksum(body)
}

// EncodeFrame 编码一个出站帧
func EncodeFrame(ctrl byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+minFrameLen+4)
	out = append(out, DLE, STX, ctrl)
	out = append(out, Escape(payload)...)
	out = append(out, DLE, ETX)
	return binary.LittleEndian.AppendUint16(out, frameChecksum(ctrl, payload))
}

// DecodeFrame 校验并解析 LocateStart/LocateEnd 切出的完整帧
func DecodeFrame(raw []byte) (Frame, error) {
	n := len(raw)
	if n < minFrameLen || raw[0] != DLE || raw[1] != STX || raw[n-4] != DLE || raw[n-3] != ETX {
		return Frame{}, fmt.Errorf("%w: % x", ErrFraming, raw)
	}
	f := Frame{Control: raw[2]}
	if n > minFrameLen {
		f.Payload = Unescape(raw[3 : n-4])
	}
	want := binary.LittleEndian.Uint16(raw[n-2:])
	if got := frameChecksum(f.Control, f.Payload); got != want {
		return Frame{}, fmt.Errorf("%w: got %04x, frame says %04x", ErrChecksum, got, want)
	}
	return f, nil
}

// Framer 入站累积缓冲, 从中切出完整帧
type Framer struct {
	buf []byte
	max int
}

func NewFramer(max int) *Framer {
	if max <= 0 {
		max = 2048
	}
	return &Framer{max: max}
}

// Feed 追加收到的数据. 上限只约束尚未切出的半帧, 在 Next 中检查.
func (f *Framer) Feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// Next 切出下一帧. ok 为 false 且 err 为 nil 表示需要等待更多数据.
// 校验失败的帧、起始标记前的杂散字节和被新起始标记截断的半帧
// 都会从缓冲中移除, 并通过 err 返回.
func (f *Framer) Next() (frame Frame, ok bool, err error) {
	start := LocateStart(f.buf)
	if start < 0 {
		// 保留末尾可能是起始标记一半的 10
		keep := 0
		if n := len(f.buf); n > 0 && f.buf[n-1] == DLE {
			keep = 1
		}
		dropped := len(f.buf) - keep
		f.buf = append(f.buf[:0], f.buf[len(f.buf)-keep:]...)
		if dropped > 0 {
			return Frame{}, false, fmt.Errorf("%w: %d stray bytes before start marker", ErrFraming, dropped)
		}
		return Frame{}, false, nil
	}
	if start > 0 {
		f.buf = f.buf[start:]
		return Frame{}, false, fmt.Errorf("%w: %d stray bytes before start marker", ErrFraming, start)
	}

	end := LocateEnd(f.buf, 0)
	limit := len(f.buf)
	if end > 0 {
		limit = end - 4
	}
	// 帧中间出现新的起始标记: 前面的半帧已无法恢复
	if next := LocateStart(f.buf[2:limit]); next >= 0 {
		f.buf = f.buf[2+next:]
		return Frame{}, false, fmt.Errorf("%w: truncated frame, %d bytes discarded", ErrFraming, 2+next)
	}
	if end < 0 {
		if len(f.buf) > f.max {
			n := len(f.buf)
			f.buf = nil
			return Frame{}, false, fmt.Errorf("%w: %d bytes of partial frame, limit %d", ErrBufferOverflow, n, f.max)
		}
		return Frame{}, false, nil
	}

	raw := make([]byte, end)
	copy(raw, f.buf[:end])
	f.buf = f.buf[end:]
	frame, err = DecodeFrame(raw)
	if err != nil {
		return Frame{}, false, err
	}
	return frame, true, nil
}

// Reset 丢弃缓冲数据
func (f *Framer) Reset() {
	f.buf = nil
}

// Buffered 当前缓冲字节数
func (f *Framer) Buffered() int {
	return len(f.buf)
}
