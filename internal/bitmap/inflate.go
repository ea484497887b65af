package bitmap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Inflate 解压 gzip / zlib / 原始 DEFLATE 数据, 按头部自动识别.
// limit > 0 时超过 limit 字节视为错误.
func Inflate(data []byte, limit int) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes of input", ErrCompression, len(data))
	}

	var (
		r   io.ReadCloser
		err error
	)
	switch {
	case data[0] == 0x1f && data[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(data))
	case isZlibHeader(data[0], data[1]):
		r, err = zlib.NewReader(bytes.NewReader(data))
	default:
		r = flate.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	defer r.Close()

	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, int64(limit)+1)
	}
	out, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if limit > 0 && len(out) > limit {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrCompression, limit)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrCompression)
	}
	return out, nil
}

// isZlibHeader RFC 1950: CM=8, CINFO<=7, FCHECK 使头部为 31 的倍数
func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && cmf>>4 <= 7 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
