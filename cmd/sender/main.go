// =============================================================================
// 文件: cmd/sender/main.go
// 描述: 视频发送端入口
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
	"github.com/Tung-I/my-ringmaster/internal/sender"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `用法: sender [选项] PORT Y4M_PATH

选项:
  --mtu <MTU>       决定 UDP 负载大小的 MTU (512-1500, 默认 1500)
  -o, --output <文件>  每秒统计 CSV 输出路径
  -v, --verbose     详细日志
  --multires        多分辨率阶梯模式 (1080/720/480/360)
  -c <文件>          配置文件路径
  --gen-config      生成示例配置文件后退出
`)
}

func main() {
	mtu := flag.Int("mtu", 0, "MTU")
	output := flag.String("output", "", "统计输出文件")
	outputShort := flag.String("o", "", "统计输出文件 (短选项)")
	verbose := flag.Bool("verbose", false, "详细日志")
	verboseShort := flag.Bool("v", false, "详细日志 (短选项)")
	multiRes := flag.Bool("multires", false, "多分辨率阶梯模式")
	configPath := flag.String("c", "", "配置文件路径")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	flag.Usage = printUsage
	flag.Parse()

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

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

	// 配置文件 + CLI 覆盖
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
	if *multiRes {
		cfg.Sender.MultiRes = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	openSource := func(width, height uint16) (video.Source, error) {
		path := y4mPath
		if cfg.Sender.MultiRes {
			// 阶梯模式按 video_1080p.y4m 的命名约定逐档打开
			base := y4mPath
			if len(base) > 4 && base[len(base)-4:] == ".y4m" {
				base = base[:len(base)-4]
			}
			path = fmt.Sprintf("%s_%dp.y4m", base, width)
		}
		return video.OpenY4M(path, width, height)
	}

	sess, err := sender.NewSession(sender.SessionConfig{
		Port:         port,
		MTU:          cfg.MTU,
		GiveUpWindow: cfg.Sender.GiveUpWindow,
		GopSize:      cfg.Sender.GopSize,
		MultiRes:     cfg.Sender.MultiRes,
		Verbose:      cfg.Verbose,
		OutputPath:   cfg.Output,
	}, openSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "建立会话失败: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监控服务
	if cfg.Metrics.Enabled {
		ms := metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof,
			cfg.Metrics.EnableLive, sess.Stats())
		ms.Start(ctx)
		defer ms.Stop()
	}

	// 信号处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "[sender] 收到退出信号")
		cancel()
	}()

	if err := sess.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "会话错误: %v\n", err)
		os.Exit(1)
	}
}
