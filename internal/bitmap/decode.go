package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/GeoNomad/wizkers/pkg/protocol"
)

// Decode 把 BMP 数据解码为像素矩阵.
//
// 1 位图保持打包: 每行 (宽+31)/32 个 uint32, 高位在前, 像素值为调色板下标.
// 其他位深每个像素为 0xRRGGBB. 行顺序统一为自上而下.
func Decode(data []byte) (*protocol.Screenshot, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	palette, err := readPalette(data, h)
	if err != nil {
		return nil, err
	}

	stride := h.Stride()
	if need := h.DataOffset + stride*h.Height; len(data) < need {
		return nil, fmt.Errorf("%w: pixel data needs %d bytes, have %d", ErrImageFormat, need, len(data))
	}

	shot := &protocol.Screenshot{
		Width:    h.Width,
		Height:   h.Height,
		BitCount: h.BitCount,
		Packed:   h.BitCount == 1,
		Palette:  palette,
		Pixels:   make([][]uint32, h.Height),
	}

	for y := 0; y < h.Height; y++ {
		src := y
		if !h.TopDown {
			src = h.Height - 1 - y
		}
		start := h.DataOffset + src*stride
		row, err := decodeRow(data[start:start+stride], h, palette)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", y, err)
		}
		shot.Pixels[y] = row
	}
	return shot, nil
}

func readPalette(data []byte, h *Header) ([]uint32, error) {
	n := h.PaletteLen()
	if n == 0 {
		return nil, nil
	}
	end := h.PaletteOffset + n*h.PaletteEntrySize
	if len(data) < end {
		return nil, fmt.Errorf("%w: truncated palette", ErrImageFormat)
	}
	palette := make([]uint32, n)
	for i := range palette {
		p := data[h.PaletteOffset+i*h.PaletteEntrySize:]
		palette[i] = rgb(p[2], p[1], p[0])
	}
	return palette, nil
}

func decodeRow(row []byte, h *Header, palette []uint32) ([]uint32, error) {
	switch h.BitCount {
	case 1:
		words := (h.Width + 31) / 32
		out := make([]uint32, words)
		for i := range out {
			out[i] = binary.BigEndian.Uint32(row[i*4:])
		}
		return out, nil
	case 4:
		out := make([]uint32, h.Width)
		for x := range out {
			idx := row[x/2] >> 4
			if x%2 == 1 {
				idx = row[x/2] & 0x0f
			}
			if int(idx) >= len(palette) {
				return nil, fmt.Errorf("%w: palette index %d", ErrImageFormat, idx)
			}
			out[x] = palette[idx]
		}
		return out, nil
	case 8:
		out := make([]uint32, h.Width)
		for x := range out {
			idx := row[x]
			if int(idx) >= len(palette) {
				return nil, fmt.Errorf("%w: palette index %d", ErrImageFormat, idx)
			}
			out[x] = palette[idx]
		}
		return out, nil
	case 16:
		out := make([]uint32, h.Width)
		for x := range out {
			v := uint32(binary.LittleEndian.Uint16(row[x*2:]))
			if h.Compression == compressionBitfields {
				out[x] = fromMasks(v, h.Masks)
			} else {
				out[x] = rgb(scale5(v>>10), scale5(v>>5), scale5(v))
			}
		}
		return out, nil
	case 24:
		out := make([]uint32, h.Width)
		for x := range out {
			p := row[x*3:]
			out[x] = rgb(p[2], p[1], p[0])
		}
		return out, nil
	case 32:
		out := make([]uint32, h.Width)
		for x := range out {
			if h.Compression == compressionBitfields {
				out[x] = fromMasks(binary.LittleEndian.Uint32(row[x*4:]), h.Masks)
				continue
			}
			p := row[x*4:]
			out[x] = rgb(p[2], p[1], p[0])
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d bits per pixel", ErrImageFormat, h.BitCount)
}

func rgb(r, g, b byte) uint32 {
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

func scale5(v uint32) byte {
	c := byte(v & 0x1f)
	return c<<3 | c>>2
}

func fromMasks(v uint32, masks [3]uint32) uint32 {
	return rgb(channel(v, masks[0]), channel(v, masks[1]), channel(v, masks[2]))
}

// channel 取出掩码对应的分量并缩放到 8 位
func channel(v, mask uint32) byte {
	shift := bits.TrailingZeros32(mask)
	width := bits.OnesCount32(mask)
	c := (v & mask) >> shift
	switch {
	case width == 8:
		return byte(c)
	case width > 8:
		return byte(c >> (width - 8))
	default:
		top := uint32(1)<<width - 1
		return byte(c * 255 / top)
	}
}
