package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/GeoNomad/wizkers/pkg/protocol"
)

// 仪表返回的状态码 (响应第一行)
const (
	CodeOK             = 0
	CodeSyntaxError    = 1
	CodeExecutionError = 2
	CodeNoData         = 5
)

var ErrDecode = errors.New("parser: decode error")

// noReplyCommands 只回状态码, 不会再有数据帧
var noReplyCommands = map[string]bool{
	"LEDT":    true,
	"PRESS":   true,
	"MPQ":     true,
	"SAVNAME": true,
	"MP":      true,
}

// Reply 拆分后的仪表响应
type Reply struct {
	Code    int
	Body    string
	HasBody bool
}

// Parser Fluke 28x ASCII 响应解码器
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// IsNoReply 命令是否只有状态码应答
func (p *Parser) IsNoReply(command string) bool {
	return noReplyCommands[strings.ToUpper(command)]
}

// SplitCommand 拆出命令名与第一个参数
func SplitCommand(text string) (name, argument string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	name = strings.ToUpper(fields[0])
	if len(fields) > 1 {
		argument = fields[1]
	}
	return name, argument
}

// ParseReply 解析以 CR 分隔的响应, 第一行为状态码
func (p *Parser) ParseReply(payload []byte) (*Reply, error) {
	lines := strings.Split(string(payload), "\r")
	code, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad status line %q", ErrDecode, lines[0])
	}
	reply := &Reply{Code: code}
	if len(lines) > 1 && lines[1] != "" {
		reply.Body = lines[1]
		reply.HasBody = true
	}
	return reply, nil
}

// IsBinaryReply 截图数据需要走分块重组, 不按 ASCII 解码
func IsBinaryReply(payload []byte) bool {
	return bytes.Contains(payload, []byte("#0"))
}

// Decode 按待决命令把响应体映射为键值结果.
// 字段数不足或数值格式错误时结果中带 decode_error, 其余字段照常返回.
func (p *Parser) Decode(command, argument string, reply *Reply) *protocol.ParseResult {
	result := &protocol.ParseResult{
		Success: true,
		Data:    protocol.Response{protocol.KeyError: false},
	}

	if reply == nil || !reply.HasBody {
		result.Warning = fmt.Sprintf("命令 %s 没有返回数据", command)
		result.Data[protocol.KeyWarning] = result.Warning
		return result
	}

	data := result.Data
	body := reply.Body
	fields := strings.Split(body, ",")

	switch command {
	case "ID":
		result.Error = assign(data, fields, "model", "version", "serial")
	case "IM":
		result.Error = assign(data, fields, "model", "version", "serial", "mspversion", "buildbranch", "buildrevision", "boardid")
	case "QM":
		result.Error = assign(data, fields, "value", "unit", "state", "attribute")
		if v, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64); err == nil {
			data["value"] = v
		} else if result.Error == nil {
			result.Error = fmt.Errorf("%w: QM value %q", ErrDecode, fields[0])
		}
	case "QCCV":
		data["calcounter"] = body
	case "QCVN":
		data["calversion"] = body
	case "QBL":
		data["battery"] = body
	case "QMEMLEVEL":
		data["memlevel"] = body
	case "QSN":
		data["serial"] = body
	case "QMPQ":
		switch argument {
		case "operator", "company", "site", "contact":
			data[argument] = strings.Trim(body, "'\"")
		default:
			data[protocol.KeyRaw] = body
			result.Error = fmt.Errorf("%w: QMPQ property %q", ErrDecode, argument)
		}
	case "QSAVNAME":
		data["savname"] = map[string]interface{}{"id": argument, "value": strings.Trim(body, "'\"")}
	case "QSLS":
		savedlogs := make(map[string]interface{})
		result.Error = assign(savedlogs, fields, "record", "minmax", "peak", "measurement")
		data["savedlogs"] = savedlogs
	default:
		data[protocol.KeyRaw] = body
	}

	if result.Error != nil {
		data[protocol.KeyDecodeError] = result.Error.Error()
	}
	return result
}

// assign 按位置填充字段, 缺少字段时返回 ErrDecode
func assign(data map[string]interface{}, fields []string, keys ...string) error {
	for i, key := range keys {
		if i >= len(fields) {
			return fmt.Errorf("%w: expected %d fields, got %d", ErrDecode, len(keys), len(fields))
		}
		data[key] = fields[i]
	}
	return nil
}

// ErrorResult 非 OK 状态码的结果
func ErrorResult(command string, code int) *protocol.ParseResult {
	return &protocol.ParseResult{
		Success: false,
		Error:   fmt.Errorf("命令 %s 失败, 状态码 %d", command, code),
		Data: protocol.Response{
			protocol.KeyError:      true,
			protocol.KeyCommand:    command,
			protocol.KeyStatusCode: code,
		},
	}
}
