package protocol

import "time"

// Event 仪器发布的统一事件
type Event struct {
	Instrument string      `json:"instrument"`
	Driver     string      `json:"driver"`
	Timestamp  time.Time   `json:"timestamp"`
	Event      string      `json:"event"`
	Payload    interface{} `json:"payload"`
}

// Response 一次完整交互的解码结果 (key/value)
type Response map[string]interface{}

// ParseResult 解析结果
type ParseResult struct {
	Success bool
	Data    Response
	Error   error
	Warning string
}

// Screenshot 仪表屏幕截图
type Screenshot struct {
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	BitCount int        `json:"bit_count"`
	Packed   bool       `json:"packed"`
	Palette  []uint32   `json:"palette,omitempty"`
	Pixels   [][]uint32 `json:"pixels"`

	// Raw 解压后的 BMP 原始数据，仅用于调试落盘
	Raw []byte `json:"-"`
}

// 事件类型
const (
	EventReading    = "reading"
	EventUniqueID   = "uniqueId"
	EventStatus     = "status"
	EventScreenshot = "screenshot"
)

// 响应字段
const (
	KeyError       = "error"
	KeyTimeout     = "timeout"
	KeyCommand     = "command"
	KeyStatusCode  = "code"
	KeyDecodeError = "decode_error"
	KeyWarning     = "warning"
	KeyRaw         = "raw"
)

// 状态事件字段
const (
	StatusPortOpen  = "portopen"
	StatusStreaming = "streaming"
	StatusError     = "error"
)
