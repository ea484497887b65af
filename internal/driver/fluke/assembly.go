package fluke

import (
	"fmt"

	"github.com/GeoNomad/wizkers/internal/bitmap"
)

// BitmapAssembly 截图分块传输的累积状态
type BitmapAssembly struct {
	chunkSize int
	maxBytes  int

	chunks [][]byte
	offset int
	total  int
}

func NewBitmapAssembly(chunkSize, maxBytes int) *BitmapAssembly {
	return &BitmapAssembly{chunkSize: chunkSize, maxBytes: maxBytes}
}

// Add 追加一块. 块长等于整块大小时返回 done=false 与下一次请求的偏移.
func (a *BitmapAssembly) Add(chunk []byte) (done bool, next int, err error) {
	data, err := bitmap.StripChunk(chunk)
	if err != nil {
		return true, 0, err
	}
	a.total += len(chunk)
	if a.maxBytes > 0 && a.total > a.maxBytes {
		return true, 0, fmt.Errorf("%w: transfer exceeds %d bytes", bitmap.ErrTransfer, a.maxBytes)
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	a.chunks = append(a.chunks, buf)
	a.offset += len(data)

	if len(chunk) == a.chunkSize {
		return false, a.offset, nil
	}
	return true, a.offset, nil
}

// Active 传输是否进行中
func (a *BitmapAssembly) Active() bool {
	return len(a.chunks) > 0
}

func (a *BitmapAssembly) Chunks() [][]byte {
	return a.chunks
}

// Offset 已收到的压缩数据字节数
func (a *BitmapAssembly) Offset() int {
	return a.offset
}

func (a *BitmapAssembly) Reset() {
	a.chunks = nil
	a.offset = 0
	a.total = 0
}
