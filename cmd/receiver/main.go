// =============================================================================
// 文件: cmd/receiver/main.go
// 描述: 视频接收端入口
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Tung-I/my-ringmaster/internal/config"
	"github.com/Tung-I/my-ringmaster/internal/metrics"
	"github.com/Tung-I/my-ringmaster/internal/receiver"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `用法: receiver [选项] HOST PORT WIDTH HEIGHT

选项:
  --fps <FPS>        向发送端请求的帧率 (默认 30)
  --cbr <码率>        向发送端请求固定码率 (kbps)
  --lazy <级别>       0: 解码并显示 (默认)
                     1: 仅解码
                     2: 丢弃 (单独测量网络栈)
  -o, --output <文件>  每秒统计 CSV 输出路径
  -v, --verbose      详细日志
  --streamtime <秒>   总流媒体时长
  --multires         多分辨率接收 (按 frame_width 分派解码器)
  --rows <R> --cols <C>  分块接收模式
  -c <文件>           配置文件路径
`)
}

// nullSink 丢弃显示帧; 真实显示设备在外部接入
type nullSink struct{}

func (nullSink) Display(img *video.RawImage) error { return nil }

func main() {
	fps := flag.Int("fps", 0, "请求帧率")
	cbr := flag.Int("cbr", 0, "请求固定码率")
	lazy := flag.Int("lazy", -1, "懒惰级别")
	output := flag.String("output", "", "统计输出文件")
	outputShort := flag.String("o", "", "统计输出文件 (短选项)")
	verbose := flag.Bool("verbose", false, "详细日志")
	verboseShort := flag.Bool("v", false, "详细日志 (短选项)")
	streamTime := flag.Int("streamtime", 0, "总流媒体时长 (秒)")
	multiRes := flag.Bool("multires", false, "多分辨率接收")
	rows := flag.Int("rows", 0, "分块行数")
	cols := flag.Int("cols", 0, "分块列数")
	configPath := flag.String("c", "", "配置文件路径")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 4 {
		printUsage()
		os.Exit(1)
	}

	host := flag.Arg(0)
	port, err := strconv.Atoi(flag.Arg(1))
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "非法端口: %s\n", flag.Arg(1))
		os.Exit(1)
	}
	width, err := strconv.Atoi(flag.Arg(2))
	if err != nil || width <= 0 || width > 65535 {
		fmt.Fprintf(os.Stderr, "非法宽度: %s\n", flag.Arg(2))
		os.Exit(1)
	}
	height, err := strconv.Atoi(flag.Arg(3))
	if err != nil || height <= 0 || height > 65535 {
		fmt.Fprintf(os.Stderr, "非法高度: %s\n", flag.Arg(3))
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}
	if *fps != 0 {
		cfg.Receiver.FPS = *fps
	}
	if *cbr != 0 {
		cfg.Receiver.CBR = *cbr
	}
	if *lazy >= 0 {
		cfg.Receiver.Lazy = *lazy
	}
	if *output != "" {
		cfg.Output = *output
	}
	if *outputShort != "" {
		cfg.Output = *outputShort
	}
	if *verbose || *verboseShort {
		cfg.Verbose = true
	}
	if *streamTime != 0 {
		cfg.Receiver.StreamTime = *streamTime
	}
	if *multiRes {
		cfg.Receiver.MultiRes = true
	}
	if *rows != 0 {
		cfg.Tile.Rows = *rows
	}
	if *cols != 0 {
		cfg.Tile.Cols = *cols
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	tiled := *rows != 0 || *cols != 0

	sess, err := receiver.NewSession(receiver.SessionConfig{
		Host:       host,
		Port:       port,
		Width:      uint16(width),
		Height:     uint16(height),
		FrameRate:  uint16(cfg.Receiver.FPS),
		CBR:        uint32(cfg.Receiver.CBR),
		Lazy:       cfg.Receiver.Lazy,
		StreamTime: cfg.Receiver.StreamTime,
		MultiRes:   cfg.Receiver.MultiRes,
		Tiled:      tiled,
		Rows:       uint16(cfg.Tile.Rows),
		Cols:       uint16(cfg.Tile.Cols),
		Verbose:    cfg.Verbose,
		OutputPath: cfg.Output,
	}, nullSink{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "建立会话失败: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		ms := metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof,
			cfg.Metrics.EnableLive, sess.Stats())
		ms.Start(ctx)
		defer ms.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "[receiver] 收到退出信号")
		cancel()
	}()

	if err := sess.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "会话错误: %v\n", err)
		os.Exit(1)
	}
}
