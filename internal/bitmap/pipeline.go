// Package bitmap 把仪表分块传回的压缩截图还原为像素矩阵.
//
// 流程: 去掉每块的 "#0" 前缀 → 按到达顺序拼接 → DEFLATE 解压 → 解析 BMP.
package bitmap

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/GeoNomad/wizkers/pkg/protocol"
)

var (
	ErrTransfer    = errors.New("bitmap: malformed chunk transfer")
	ErrCompression = errors.New("bitmap: decompression failed")
	ErrImageFormat = errors.New("bitmap: unsupported or corrupt image")
)

// DefaultMaxImageBytes 解压后的 BMP 大小上限
const DefaultMaxImageBytes = 4 << 20

var chunkMarker = []byte("#0")

// StripChunk 返回块中 "#0" 标记之后的压缩数据
func StripChunk(chunk []byte) ([]byte, error) {
	idx := bytes.Index(chunk, chunkMarker)
	if idx < 0 {
		return nil, fmt.Errorf("%w: chunk without #0 marker (%d bytes)", ErrTransfer, len(chunk))
	}
	return chunk[idx+len(chunkMarker):], nil
}

// Assemble 去掉每块的前缀后按顺序拼接
func Assemble(chunks [][]byte) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", ErrTransfer)
	}
	var out bytes.Buffer
	for i, chunk := range chunks {
		data, err := StripChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out.Write(data)
	}
	return out.Bytes(), nil
}

// Process 完整流程, 任一步失败都不会返回部分图像
func Process(chunks [][]byte) (*protocol.Screenshot, error) {
	compressed, err := Assemble(chunks)
	if err != nil {
		return nil, err
	}
	raw, err := Inflate(compressed, DefaultMaxImageBytes)
	if err != nil {
		return nil, err
	}
	shot, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	shot.Raw = raw
	return shot, nil
}
