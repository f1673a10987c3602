// =============================================================================
// 文件: internal/receiver/session.go
// 描述: 接收端会话 - 会话发起, 片段确认, 码率反馈, 流媒体时限
// =============================================================================
package receiver

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Tung-I/my-ringmaster/internal/codec"
	"github.com/Tung-I/my-ringmaster/internal/congestion"
	"github.com/Tung-I/my-ringmaster/internal/metrics"
	"github.com/Tung-I/my-ringmaster/internal/protocol"
	"github.com/Tung-I/my-ringmaster/internal/tile"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

const recvBufSize = 65535

// 码率反馈周期
const rateFeedbackInterval = 5 * time.Second

// 无测量估计时循环的阶梯码率 (kbps)
var fallbackBitrates = []uint32{8000, 5000, 2500, 1000}

// SessionConfig 接收端会话配置
type SessionConfig struct {
	Host       string
	Port       int
	Width      uint16
	Height     uint16
	FrameRate  uint16
	CBR        uint32 // 固定码率; 0 表示测量反馈
	Lazy       int
	StreamTime int // 秒; 0 表示无限
	MultiRes   bool

	// 分块模式: 数据报按 tile_id 分派, 集齐后合并
	Tiled bool
	Rows  uint16
	Cols  uint16

	Verbose    bool
	OutputPath string
}

// Session 接收端会话
type Session struct {
	cfg SessionConfig

	dataConn *net.UDPConn
	ctrlConn *net.UDPConn

	// 多分辨率: 按 frame_width 分派到对应驱动
	drivers map[uint16]*Driver
	// 分块模式下替代 drivers
	merger *tile.Merger

	rate   *congestion.DeliveryRateEstimator
	stats  *metrics.SessionStats
	csvLog *metrics.CSVLogger
	sink   video.Sink
}

// NewSession 连接发送端并发送 CONFIG 打开会话
// 数据套接字连到 port, 控制套接字连到 port+1
func NewSession(cfg SessionConfig, sink video.Sink) (*Session, error) {
	dataAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("解析地址失败: %w", err)
	}
	dataConn, err := net.DialUDP("udp", nil, dataAddr)
	if err != nil {
		return nil, fmt.Errorf("连接数据套接字失败: %w", err)
	}

	ctrlAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port+1))
	if err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("解析控制地址失败: %w", err)
	}
	ctrlConn, err := net.DialUDP("udp", nil, ctrlAddr)
	if err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("连接控制套接字失败: %w", err)
	}

	fmt.Fprintf(os.Stderr, "[receiver] 数据连接: %s -> %s\n",
		dataConn.LocalAddr(), dataAddr)
	fmt.Fprintf(os.Stderr, "[receiver] 控制连接: %s -> %s\n",
		ctrlConn.LocalAddr(), ctrlAddr)

	s := &Session{
		cfg:      cfg,
		dataConn: dataConn,
		ctrlConn: ctrlConn,
		drivers:  make(map[uint16]*Driver),
		rate:     congestion.NewDeliveryRateEstimator(),
		stats:    metrics.NewSessionStats(),
		sink:     sink,
	}

	// 会话发起: 向两个套接字各发送一条 CONFIG
	cfgMsg := protocol.ConfigMsg{
		Width:         cfg.Width,
		Height:        cfg.Height,
		FrameRate:     cfg.FrameRate,
		TargetBitrate: cfg.CBR,
	}
	if _, err := dataConn.Write(cfgMsg.Encode()); err != nil {
		s.Close()
		return nil, fmt.Errorf("发送 CONFIG 失败: %w", err)
	}
	if _, err := ctrlConn.Write(cfgMsg.Encode()); err != nil {
		s.Close()
		return nil, fmt.Errorf("发送控制 CONFIG 失败: %w", err)
	}

	if err := s.setupDrivers(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.OutputPath != "" {
		csvLog, err := metrics.NewCSVLogger(cfg.OutputPath)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.csvLog = csvLog
	}

	return s, nil
}

// setupDrivers 建立解码驱动
// 分块模式用合并器; 多分辨率模式每档一个驱动
func (s *Session) setupDrivers() error {
	if s.cfg.Tiled {
		merger, err := tile.NewMerger(s.cfg.Width, s.cfg.Height,
			s.cfg.Rows, s.cfg.Cols, s.cfg.Lazy, s.sink,
			s.rate, s.stats, s.cfg.Verbose)
		if err != nil {
			return err
		}
		s.merger = merger
		return nil
	}

	build := func() *Driver {
		return NewDriver(codec.NewNullDecoder(), s.sink, s.cfg.Lazy,
			s.rate, s.stats, s.cfg.Verbose)
	}

	if s.cfg.MultiRes {
		for _, res := range []uint16{1080, 720, 480, 360} {
			s.drivers[res] = build()
		}
	} else {
		s.drivers[s.cfg.Width] = build()
	}
	return nil
}

// driverFor 按数据报的 frame_width 选择驱动
func (s *Session) driverFor(width uint16) *Driver {
	if drv, ok := s.drivers[width]; ok {
		return drv
	}
	if !s.cfg.MultiRes {
		// 单分辨率: 全部进唯一的驱动
		return s.drivers[s.cfg.Width]
	}
	return nil
}

// Run 接收循环
// 每个到达的片段立即确认; 完整帧交给解码驱动;
// 周期性发送码率估计; 到达流媒体时限后干净退出
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dgCh := make(chan *protocol.Datagram, 1024)
	go s.readData(ctx, dgCh)

	rateTicker := time.NewTicker(rateFeedbackInterval)
	defer rateTicker.Stop()
	statsTicker := time.NewTicker(time.Second)
	defer statsTicker.Stop()

	var deadline <-chan time.Time
	if s.cfg.StreamTime > 0 {
		timer := time.NewTimer(time.Duration(s.cfg.StreamTime) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	fallbackIdx := 0

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-deadline:
			fmt.Fprintln(os.Stderr, "[receiver] 流媒体时间到")
			return nil

		case dg := <-dgCh:
			// 立即确认
			ack := protocol.AckFor(dg)
			if _, err := s.dataConn.Write(ack.Encode()); err != nil {
				return fmt.Errorf("发送 ACK 失败: %w", err)
			}
			if s.cfg.Verbose {
				fmt.Fprintf(os.Stderr, "[receiver] 确认: frame_id=%d frag_id=%d width=%d\n",
					dg.FrameID, dg.FragID, dg.FrameWidth)
			}

			if s.cfg.Tiled {
				if err := s.merger.AddDatagram(dg); err != nil && s.cfg.Verbose {
					fmt.Fprintf(os.Stderr, "[receiver] 丢弃分块片段: %v\n", err)
				}
				continue
			}

			drv := s.driverFor(dg.FrameWidth)
			if drv == nil {
				continue // 未知分辨率, 丢弃
			}
			if err := drv.AddDatagram(dg); err != nil {
				if s.cfg.Verbose {
					fmt.Fprintf(os.Stderr, "[receiver] 丢弃片段: %v\n", err)
				}
				continue
			}
			drv.ConsumeCompleted()

		case <-rateTicker.C:
			kbps := s.nextRateEstimate(&fallbackIdx)
			msg := protocol.RateEstimateMsg{TargetBitrate: kbps}
			if _, err := s.ctrlConn.Write(msg.Encode()); err != nil {
				return fmt.Errorf("发送码率估计失败: %w", err)
			}
			fmt.Fprintf(os.Stderr, "[receiver] 发送码率估计: %d kbps\n", kbps)

		case <-statsTicker.C:
			s.rate.Sample()
			rec := s.stats.Snapshot()
			fmt.Fprintf(os.Stderr, "[receiver] frags=%d frames=%d purged=%d dup=%d\n",
				s.stats.GetFragmentsReceived(), s.stats.GetFramesDelivered(),
				s.stats.GetFramesPurged(), s.stats.GetDuplicates())
			if s.csvLog != nil {
				if err := s.csvLog.Write(rec); err != nil {
					fmt.Fprintf(os.Stderr, "[receiver] 写统计失败: %v\n", err)
				}
			}
		}
	}
}

// nextRateEstimate 决定下一条码率估计
// CBR 固定 > 测量估计 > 阶梯循环
func (s *Session) nextRateEstimate(fallbackIdx *int) uint32 {
	if s.cfg.CBR > 0 {
		return s.cfg.CBR
	}
	if measured := s.rate.RateKbps(); measured > 0 {
		return measured
	}
	kbps := fallbackBitrates[*fallbackIdx%len(fallbackBitrates)]
	*fallbackIdx++
	return kbps
}

// readData 数据套接字读取协程: 解析数据报并转发
func (s *Session) readData(ctx context.Context, dgCh chan<- *protocol.Datagram) {
	buf := make([]byte, recvBufSize)
	for {
		n, err := s.dataConn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			return
		}

		var dg *protocol.Datagram
		var perr error
		if s.cfg.Tiled {
			dg, perr = protocol.ParseTileDatagram(buf[:n])
		} else {
			dg, perr = protocol.ParseDatagram(buf[:n])
		}
		if perr != nil {
			if s.cfg.Verbose {
				fmt.Fprintf(os.Stderr, "[receiver] 丢弃损坏数据报: %v\n", perr)
			}
			continue
		}

		select {
		case dgCh <- dg:
		case <-ctx.Done():
			return
		}
	}
}

// Stats 统计访问器
func (s *Session) Stats() *metrics.SessionStats {
	return s.stats
}

// Close 释放套接字与文件
func (s *Session) Close() {
	if s.dataConn != nil {
		s.dataConn.Close()
	}
	if s.ctrlConn != nil {
		s.ctrlConn.Close()
	}
	if s.csvLog != nil {
		s.csvLog.Close()
	}
}
