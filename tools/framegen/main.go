// framegen 生成或解析 Fluke 28x 链路层帧, 用于抓包分析和编写测试数据
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/GeoNomad/wizkers/internal/driver/fluke"
)

func main() {
	ctrl := flag.String("ctrl", "0x00", "控制字节")
	payload := flag.String("payload", "", "命令或应答内容, 支持 \\r 转义")
	decode := flag.String("decode", "", "解析十六进制字节流 (可包含多帧, 允许空格)")
	flag.Parse()

	if *decode != "" {
		if err := decodeStream(*decode); err != nil {
			fmt.Fprintf(os.Stderr, "错误: %v\n", err)
			os.Exit(1)
		}
		return
	}

	c, err := strconv.ParseUint(*ctrl, 0, 8)
	if err != nil {
		fmt.Fprintf(os.Stderr, "控制字节无效: %v\n", err)
		os.Exit(1)
	}
	body := []byte(strings.ReplaceAll(*payload, `\r`, "\r"))
	frame := fluke.EncodeFrame(byte(c), body)

	fmt.Printf("帧 (控制字节 0x%02X, 内容 %q):\n", c, body)
	fmt.Printf("  十六进制: %s\n", hex.EncodeToString(frame))
	fmt.Printf("  字节数组: % x\n", frame)
	fmt.Printf("  Go格式:   []byte{%s}\n", toGoArray(frame))
	fmt.Printf("  校验和:   0x%04X\n", fluke.Checksum(append(append([]byte{byte(c)}, body...), 0x10, 0x03)))
}

func decodeStream(s string) error {
	raw, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(s))
	if err != nil {
		return fmt.Errorf("十六进制无效: %w", err)
	}

	framer := fluke.NewFramer(len(raw) + 1)
	framer.Feed(raw)
	n := 0
	for {
		frame, ok, err := framer.Next()
		if err != nil {
			fmt.Printf("  帧错误: %v\n", err)
			continue
		}
		if !ok {
			break
		}
		n++
		fmt.Printf("帧 %d:\n", n)
		fmt.Printf("  控制字节: 0x%02X (%s)\n", frame.Control, describe(frame.Control))
		fmt.Printf("  内容:     %q\n", frame.Payload)
	}
	if rest := framer.Buffered(); rest > 0 {
		fmt.Printf("剩余未成帧字节: %d\n", rest)
	}
	if n == 0 {
		return fmt.Errorf("未找到完整帧")
	}
	return nil
}

func describe(c byte) string {
	switch c {
	case 0x00, 0x40:
		return "命令"
	case 0x01, 0x41:
		return "链路 ACK"
	case 0x03:
		return "连接请求"
	case 0x05:
		return "校验错误"
	case 0x07:
		return "链路已打开"
	case 0x0b:
		return "链路错误"
	case 0x20, 0x60:
		return "应答, 需要确认"
	case 0x21, 0x61:
		return "确认"
	default:
		return "未知"
	}
}

func toGoArray(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02X", b)
	}
	return strings.Join(parts, ", ")
}
