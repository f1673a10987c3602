// =============================================================================
// 文件: cmd/tile-sender/main.go
// 描述: 分块并行视频发送端入口
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
	"github.com/Tung-I/my-ringmaster/internal/tile"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `用法: tile-sender [选项] PORT Y4M_PATH

选项:
  --mtu <MTU>       决定 UDP 负载大小的 MTU (512-1500, 默认 1500)
  -o, --output <文件>  每秒统计 CSV 输出路径
  -v, --verbose     详细日志
  --buffer <帧数>    原始帧环形缓冲大小 (默认 240)
  --row <R>         分块行数 (默认 4)
  --col <C>         分块列数 (默认 4)
  -c <文件>          配置文件路径
`)
}

func main() {
	mtu := flag.Int("mtu", 0, "MTU")
	output := flag.String("output", "", "统计输出文件")
	outputShort := flag.String("o", "", "统计输出文件 (短选项)")
	verbose := flag.Bool("verbose", false, "详细日志")
	verboseShort := flag.Bool("v", false, "详细日志 (短选项)")
	bufferFrames := flag.Int("buffer", 0, "环形缓冲大小")
	rows := flag.Int("row", 0, "分块行数")
	cols := flag.Int("col", 0, "分块列数")
	configPath := flag.String("c", "", "配置文件路径")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 2 {
		printUsage()
		os.Exit(1)
	}

	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "非法端口: %s\n", flag.Arg(0))
		os.Exit(1)
	}
	y4mPath := flag.Arg(1)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}
	if *mtu != 0 {
		cfg.MTU = *mtu
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
	if *bufferFrames != 0 {
		cfg.Tile.BufferFrames = *bufferFrames
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

	sess, err := tile.NewSession(tile.SessionConfig{
		Port:         port,
		MTU:          cfg.MTU,
		Rows:         uint16(cfg.Tile.Rows),
		Cols:         uint16(cfg.Tile.Cols),
		BufferFrames: cfg.Tile.BufferFrames,
		GiveUpWindow: cfg.Sender.GiveUpWindow,
		GopSize:      cfg.Sender.GopSize,
		Verbose:      cfg.Verbose,
		OutputPath:   cfg.Output,
	}, y4mPath)
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
		fmt.Fprintln(os.Stderr, "[tile-sender] 收到退出信号")
		cancel()
	}()

	if err := sess.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "会话错误: %v\n", err)
		os.Exit(1)
	}
}
