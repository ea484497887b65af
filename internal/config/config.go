package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Fluke       FlukeConfig        `yaml:"fluke"`
	Redis       RedisConfig        `yaml:"redis"`
	NATS        NATSConfig         `yaml:"nats"`
	WebSocket   WebSocketConfig    `yaml:"websocket"`
	Log         LogConfig          `yaml:"log"`
	Monitor     MonitorConfig      `yaml:"monitor"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OutboxSize      int           `yaml:"outbox_size"`
}

// InstrumentConfig 一台物理仪器: 驱动类型 + 传输方式
type InstrumentConfig struct {
	ID           string          `yaml:"id"`
	Driver       string          `yaml:"driver"`
	Transport    TransportConfig `yaml:"transport"`
	StreamPeriod time.Duration   `yaml:"stream_period"`
	Autostart    bool            `yaml:"autostart"`
	// Sensors w433 传感器地址到名称的映射
	Sensors      map[int]string  `yaml:"sensors"`
}

// TransportConfig 传输层配置
//
// type=serial 使用 Path; type=tcp 使用 Address (ser2net 等原始套接字);
// type=ssh 使用 Address/User/Password/KeyFile 连接串口服务器, Command 为可选的端口选择命令.
type TransportConfig struct {
	Type       string `yaml:"type"`
	Path       string `yaml:"path"`
	Address    string `yaml:"address"`
	BaudRate   int    `yaml:"baud_rate"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	KeyFile    string `yaml:"key_file"`
	KnownHosts string `yaml:"known_hosts"`
	Command    string `yaml:"command"`
}

type FlukeConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	Retries        int           `yaml:"retries"`
	MaxBuffer      int           `yaml:"max_buffer"`
	ChunkSize      int           `yaml:"chunk_size"`
	MaxBitmapBytes int           `yaml:"max_bitmap_bytes"`
	ScreenshotFile string        `yaml:"screenshot_file"`
}

type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	Channel    string `yaml:"channel"`
	HistoryLen int64  `yaml:"history_len"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// 已知的驱动与传输类型
var (
	KnownDrivers    = []string{"fluke28x", "onyx", "fcoledv1", "elecraft", "w433"}
	KnownTransports = []string{"serial", "tcp", "ssh"}
)

// LoadConfig 加载配置文件, 未填写的字段使用默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate 校验仪器列表
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		id := strings.TrimSpace(inst.ID)
		if id == "" {
			return fmt.Errorf("instruments[%d]: id 不能为空", i)
		}
		if seen[id] {
			return fmt.Errorf("instruments[%d]: id 重复: %s", i, id)
		}
		seen[id] = true
		if !contains(KnownDrivers, inst.Driver) {
			return fmt.Errorf("instruments[%d]: 未知驱动: %q", i, inst.Driver)
		}
		if !contains(KnownTransports, inst.Transport.Type) {
			return fmt.Errorf("instruments[%d]: 未知传输类型: %q", i, inst.Transport.Type)
		}
	}
	if c.Fluke.ChunkSize <= 0 {
		return fmt.Errorf("fluke.chunk_size 必须大于 0")
	}
	return nil
}

// Instrument 按 ID 查找仪器配置
func (c *Config) Instrument(id string) (InstrumentConfig, bool) {
	for _, inst := range c.Instruments {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}

// SetAutostart 用逗号分隔的仪器列表覆盖 autostart, "none" 表示全部不自动打开
func (c *Config) SetAutostart(list string) error {
	want := make(map[string]bool)
	if list = strings.TrimSpace(list); list != "none" {
		for _, id := range strings.Split(list, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := c.Instrument(id); !ok {
				return fmt.Errorf("autostart: 未配置的仪器: %s", id)
			}
			want[id] = true
		}
	}
	for i := range c.Instruments {
		c.Instruments[i].Autostart = want[c.Instruments[i].ID]
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ShutdownTimeout: 10 * time.Second,
			OutboxSize:      256,
		},
		Fluke: FlukeConfig{
			CommandTimeout: 300 * time.Millisecond,
			Retries:        0,
			MaxBuffer:      2048,
			ChunkSize:      1024,
			MaxBitmapBytes: 64 * 1024,
			ScreenshotFile: "",
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			Password:   "",
			DB:         0,
			PoolSize:   10,
			Channel:    "wizkers_events",
			HistoryLen: 1000,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "wizkers",
		},
		WebSocket: WebSocketConfig{
			Enabled: true,
			Path:    "/ws",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled: true,
		},
	}
}
