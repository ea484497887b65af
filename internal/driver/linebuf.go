package driver

import (
	"bytes"
	"errors"
)

var ErrLineTooLong = errors.New("driver: line exceeds buffer limit")

// LineBuffer 按分隔符切分字节流, 用于文本协议的仪器
type LineBuffer struct {
	Delim byte
	Max   int
	buf   []byte
}

func NewLineBuffer(delim byte, max int) *LineBuffer {
	return &LineBuffer{Delim: delim, Max: max}
}

// Feed 追加数据并返回所有完整的行 (不含分隔符).
// 超出上限时丢弃缓冲并返回 ErrLineTooLong, 已切出的行仍然返回.
func (l *LineBuffer) Feed(data []byte) ([]string, error) {
	l.buf = append(l.buf, data...)
	var lines []string
	for {
		idx := bytes.IndexByte(l.buf, l.Delim)
		if idx < 0 {
			break
		}
		lines = append(lines, string(l.buf[:idx]))
		l.buf = l.buf[idx+1:]
	}
	if l.Max > 0 && len(l.buf) > l.Max {
		l.buf = nil
		return lines, ErrLineTooLong
	}
	// 压缩底层数组, 避免长时间运行后无限增长
	if len(l.buf) == 0 {
		l.buf = l.buf[:0:0]
	}
	return lines, nil
}

func (l *LineBuffer) Reset() {
	l.buf = nil
}

func (l *LineBuffer) Len() int {
	return len(l.buf)
}
