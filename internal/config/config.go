// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载, 校验, CLI 覆盖
// =============================================================================
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	MTU     int    `yaml:"mtu"`
	Verbose bool   `yaml:"verbose"`
	Output  string `yaml:"output"` // 每秒统计 CSV 文件路径; 空表示不输出

	Sender   SenderConfig   `yaml:"sender"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Tile     TileConfig     `yaml:"tile"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SenderConfig 发送端配置
type SenderConfig struct {
	Port     int    `yaml:"port"`
	Y4MPath  string `yaml:"y4m_path"`
	MultiRes bool   `yaml:"multires"` // 多分辨率阶梯模式

	// 帧放弃窗口: 帧龄超过 2 * 帧间隔 * window 的片段被放弃
	GiveUpWindow int `yaml:"give_up_window"`

	GopSize uint32 `yaml:"gop_size"`
}

// ReceiverConfig 接收端配置
type ReceiverConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        int    `yaml:"fps"`
	CBR        int    `yaml:"cbr"`         // 固定码率 (kbps); 0 表示使用测量估计
	Lazy       int    `yaml:"lazy"`        // 0: 解码并显示; 1: 仅解码; 2: 丢弃
	StreamTime int    `yaml:"stream_time"` // 总流媒体时长 (秒); 0 表示无限
	MultiRes   bool   `yaml:"multires"`
}

// TileConfig 分块编码配置
type TileConfig struct {
	Rows         int `yaml:"rows"`
	Cols         int `yaml:"cols"`
	BufferFrames int `yaml:"buffer_frames"` // 预填充的原始帧环形缓冲大小
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
	EnableLive  bool   `yaml:"enable_live"` // WebSocket 实时统计推送
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MTU: 1500,
		Sender: SenderConfig{
			GiveUpWindow: 8,
			GopSize:      16,
		},
		Receiver: ReceiverConfig{
			FPS:  30,
			Lazy: 0,
		},
		Tile: TileConfig{
			Rows:         4,
			Cols:         4,
			BufferFrames: 240,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     "127.0.0.1:9101",
			Path:       "/metrics",
			HealthPath: "/health",
			EnableLive: true,
		},
	}
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.MTU < 512 || c.MTU > 1500 {
		return fmt.Errorf("MTU 必须在 512 到 1500 之间: %d", c.MTU)
	}

	if c.Receiver.FPS <= 0 || c.Receiver.FPS > 240 {
		return fmt.Errorf("帧率必须在 1 到 240 之间: %d", c.Receiver.FPS)
	}
	if c.Receiver.Lazy < 0 || c.Receiver.Lazy > 2 {
		return fmt.Errorf("lazy 级别必须是 0/1/2: %d", c.Receiver.Lazy)
	}
	if c.Receiver.CBR < 0 {
		return fmt.Errorf("cbr 不能为负: %d", c.Receiver.CBR)
	}
	if c.Receiver.StreamTime < 0 {
		return fmt.Errorf("stream_time 不能为负: %d", c.Receiver.StreamTime)
	}

	if c.Sender.GiveUpWindow <= 0 {
		return fmt.Errorf("give_up_window 必须为正: %d", c.Sender.GiveUpWindow)
	}

	if c.Tile.Rows <= 0 || c.Tile.Cols <= 0 {
		return fmt.Errorf("分块行列必须为正: %dx%d", c.Tile.Rows, c.Tile.Cols)
	}
	if c.Tile.BufferFrames <= 0 {
		return fmt.Errorf("buffer_frames 必须为正: %d", c.Tile.BufferFrames)
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("启用监控时必须配置 listen 地址")
	}

	return nil
}

// GenerateExampleConfig 生成示例配置内容
func GenerateExampleConfig() string {
	return `# 实时视频传输配置示例

# MTU, 决定 UDP 负载大小 (512 - 1500)
mtu: 1500

# 详细日志
verbose: false

# 每秒统计 CSV 输出路径 (空表示不输出)
output: ""

sender:
  port: 9000
  y4m_path: "video.y4m"
  # 多分辨率阶梯模式 (1080/720/480/360)
  multires: false
  # 帧放弃窗口: 帧龄超过 2 * 帧间隔 * window 的片段被放弃
  give_up_window: 8
  gop_size: 16

receiver:
  host: "127.0.0.1"
  port: 9000
  width: 1280
  height: 720
  fps: 30
  # 固定码率 (kbps); 0 表示按测量的交付速率反馈
  cbr: 0
  # 0: 解码并显示; 1: 仅解码; 2: 丢弃 (测量网络栈)
  lazy: 0
  # 总流媒体时长 (秒); 0 表示无限
  stream_time: 0
  multires: false

tile:
  rows: 4
  cols: 4
  # 预填充的原始帧环形缓冲大小
  buffer_frames: 240

metrics:
  enabled: false
  listen: "127.0.0.1:9101"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
  # WebSocket 实时统计推送 (/live)
  enable_live: true
`
}

// WriteExampleConfig 写出示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
