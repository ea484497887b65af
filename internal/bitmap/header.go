package bitmap

import (
	"encoding/binary"
	"fmt"
)

// HeaderKind BMP 信息头类型, 取值即信息头长度
type HeaderKind uint32

const (
	HeaderCore  HeaderKind = 12  // OS/2 1.x BITMAPCOREHEADER
	HeaderInfo  HeaderKind = 40  // Windows BITMAPINFOHEADER
	HeaderOS2V2 HeaderKind = 64  // OS/2 2.x
	HeaderV4    HeaderKind = 108 // BITMAPV4HEADER
	HeaderV5    HeaderKind = 124 // BITMAPV5HEADER
)

func (k HeaderKind) String() string {
	switch k {
	case HeaderCore:
		return "core"
	case HeaderInfo:
		return "info"
	case HeaderOS2V2:
		return "os2v2"
	case HeaderV4:
		return "v4"
	case HeaderV5:
		return "v5"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// 压缩方式
const (
	compressionRGB       = 0
	compressionBitfields = 3
)

const fileHeaderSize = 14

// Header 解析后的文件头与信息头
type Header struct {
	Kind        HeaderKind
	Width       int
	Height      int
	TopDown     bool
	BitCount    int
	Compression uint32
	ColorsUsed  int

	// Masks BI_BITFIELDS 时的 R/G/B 掩码
	Masks [3]uint32

	PaletteOffset    int
	PaletteEntrySize int
	DataOffset       int
}

type headerParser func(data []byte, h *Header) error

var headerParsers = map[HeaderKind]headerParser{
	HeaderCore:  parseCoreHeader,
	HeaderInfo:  parseInfoHeader,
	HeaderOS2V2: parseInfoHeader,
	HeaderV4:    parseInfoHeader,
	HeaderV5:    parseInfoHeader,
}

const maxDimension = 1 << 14

// ParseHeader 解析 BMP 文件头, 未知的信息头长度返回 ErrImageFormat
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < fileHeaderSize+4 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrImageFormat, len(data))
	}
	if data[0] != 'B' || data[1] != 'M' {
		return nil, fmt.Errorf("%w: missing BM signature", ErrImageFormat)
	}

	kind := HeaderKind(binary.LittleEndian.Uint32(data[fileHeaderSize:]))
	parse, ok := headerParsers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: header size %d", ErrImageFormat, uint32(kind))
	}
	if len(data) < fileHeaderSize+int(kind) {
		return nil, fmt.Errorf("%w: truncated %s header", ErrImageFormat, kind)
	}

	h := &Header{Kind: kind, PaletteOffset: fileHeaderSize + int(kind)}
	if err := parse(data, h); err != nil {
		return nil, err
	}

	if h.Width <= 0 || h.Height <= 0 || h.Width > maxDimension || h.Height > maxDimension {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrImageFormat, h.Width, h.Height)
	}
	if err := h.checkCompression(); err != nil {
		return nil, err
	}

	paletteEnd := h.PaletteOffset + h.PaletteEntrySize*h.PaletteLen()
	offBits := int(binary.LittleEndian.Uint32(data[10:]))
	if offBits >= paletteEnd && offBits < len(data) {
		h.DataOffset = offBits
	} else {
		h.DataOffset = paletteEnd
	}
	return h, nil
}

func parseCoreHeader(data []byte, h *Header) error {
	h.Width = int(binary.LittleEndian.Uint16(data[18:]))
	h.Height = int(binary.LittleEndian.Uint16(data[20:]))
	h.BitCount = int(binary.LittleEndian.Uint16(data[24:]))
	h.Compression = compressionRGB
	h.PaletteEntrySize = 3
	return nil
}

func parseInfoHeader(data []byte, h *Header) error {
	h.Width = int(int32(binary.LittleEndian.Uint32(data[18:])))
	height := int(int32(binary.LittleEndian.Uint32(data[22:])))
	if height < 0 {
		h.TopDown = true
		height = -height
	}
	h.Height = height
	h.BitCount = int(binary.LittleEndian.Uint16(data[28:]))
	h.Compression = binary.LittleEndian.Uint32(data[30:])
	h.ColorsUsed = int(binary.LittleEndian.Uint32(data[46:]))
	h.PaletteEntrySize = 4

	if h.Compression != compressionBitfields || h.Kind == HeaderOS2V2 {
		return nil
	}
	// V4/V5 的掩码在信息头内部; 40 字节信息头的掩码紧随其后, 占用调色板位置
	maskOffset := fileHeaderSize + 40
	if h.Kind == HeaderInfo {
		if len(data) < maskOffset+12 {
			return fmt.Errorf("%w: truncated bitfield masks", ErrImageFormat)
		}
		h.PaletteOffset += 12
	}
	for i := range h.Masks {
		h.Masks[i] = binary.LittleEndian.Uint32(data[maskOffset+4*i:])
	}
	return nil
}

func (h *Header) checkCompression() error {
	switch h.BitCount {
	case 1, 4, 8, 24:
		if h.Compression == compressionRGB {
			return nil
		}
	case 16, 32:
		if h.Compression == compressionRGB {
			return nil
		}
		if h.Compression == compressionBitfields && h.Kind != HeaderOS2V2 {
			for _, m := range h.Masks {
				if m == 0 {
					return fmt.Errorf("%w: empty bitfield mask", ErrImageFormat)
				}
			}
			return nil
		}
	default:
		return fmt.Errorf("%w: %d bits per pixel", ErrImageFormat, h.BitCount)
	}
	return fmt.Errorf("%w: compression %d at %d bpp", ErrImageFormat, h.Compression, h.BitCount)
}

// PaletteLen 调色板条目数, 无调色板时为 0
func (h *Header) PaletteLen() int {
	if h.BitCount > 8 {
		return 0
	}
	full := 1 << h.BitCount
	if h.ColorsUsed > 0 && h.ColorsUsed < full {
		return h.ColorsUsed
	}
	return full
}

// Stride 每行字节数, 按 4 字节对齐
func (h *Header) Stride() int {
	return ((h.Width*h.BitCount + 31) / 32) * 4
}
