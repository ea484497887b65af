// 交互式控制台: 通过 HTTP API 操作仪器, 通过 WebSocket 实时显示事件
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

type console struct {
	api     string
	current string
	client  *http.Client
	out     *term.Terminal
}

func main() {
	api := flag.String("api", "http://localhost:8090", "服务器地址")
	wsPath := flag.String("ws", "/ws", "WebSocket 路径")
	instrument := flag.String("instrument", "", "默认仪器 ID")
	flag.Parse()

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Fprintln(os.Stderr, "需要在终端中运行")
		os.Exit(1)
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "设置终端失败: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(screen, "> ")
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}

	c := &console{
		api:     strings.TrimRight(*api, "/"),
		current: *instrument,
		client:  &http.Client{Timeout: 10 * time.Second},
		out:     t,
	}
	c.updatePrompt()
	fmt.Fprintln(t, "输入 help 查看命令, quit 退出")

	go c.watch("ws" + c.api[len("http"):] + *wsPath)

	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		if !c.exec(strings.TrimSpace(line)) {
			return
		}
	}
}

func (c *console) updatePrompt() {
	if c.current == "" {
		c.out.SetPrompt("> ")
	} else {
		c.out.SetPrompt(c.current + "> ")
	}
}

// watch 打印 WebSocket 推送的事件
func (c *console) watch(url string) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		fmt.Fprintf(c.out, "WebSocket 连接失败: %v\n", err)
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(c.out, "WebSocket 断开: %v\n", err)
			return
		}
		var msg struct {
			Type string `json:"type"`
			Data struct {
				Instrument string          `json:"instrument"`
				Payload    json.RawMessage `json:"payload"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Data.Instrument == "" {
			continue
		}
		payload := string(msg.Data.Payload)
		if msg.Type == "screenshot" {
			payload = fmt.Sprintf("(%d 字节)", len(payload))
		}
		fmt.Fprintf(c.out, "[%s] %s: %s\n", msg.Data.Instrument, msg.Type, payload)
	}
}

func (c *console) exec(line string) bool {
	if line == "" {
		return true
	}
	fields := strings.Fields(line)
	target := c.current
	if len(fields) > 1 {
		target = fields[1]
	}

	switch fields[0] {
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(c.out, "list | use <id> | open [id] | close [id] | status [id] | identity [id]")
		fmt.Fprintln(c.out, "stream [id] [ms] | stop [id] | 其他输入作为命令发送到当前仪器")
	case "list":
		c.call(http.MethodGet, "/api/instruments", nil)
	case "use":
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "用法: use <id>")
			break
		}
		c.current = fields[1]
		c.updatePrompt()
	case "open", "close", "identity":
		c.call(http.MethodPost, c.path(target, fields[0]), nil)
	case "status":
		c.call(http.MethodGet, c.path(target, "status"), nil)
	case "stream":
		body := map[string]interface{}{}
		if len(fields) > 2 {
			var ms int
			fmt.Sscan(fields[2], &ms)
			body["period_ms"] = ms
		}
		c.call(http.MethodPost, c.path(target, "stream"), body)
	case "stop":
		c.call(http.MethodDelete, c.path(target, "stream"), nil)
	default:
		if c.current == "" {
			fmt.Fprintln(c.out, "请先 use <id> 选择仪器")
			break
		}
		c.call(http.MethodPost, c.path(c.current, "command"), map[string]string{"command": line})
	}
	return true
}

func (c *console) path(id, action string) string {
	return fmt.Sprintf("/api/instruments/%s/%s", id, action)
}

func (c *console) call(method, path string, body interface{}) {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.api+path, reader)
	if err != nil {
		fmt.Fprintf(c.out, "请求失败: %v\n", err)
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		fmt.Fprintf(c.out, "请求失败: %v\n", err)
		return
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(c.out, "%d %s\n", resp.StatusCode, bytes.TrimSpace(data))
}
