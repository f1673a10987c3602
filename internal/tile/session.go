// =============================================================================
// 文件: internal/tile/session.go
// 描述: 分块发送端会话 - 预填充环形缓冲, 并行编码, 共享套接字的串行写出
// =============================================================================
package tile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/Tung-I/my-ringmaster/internal/codec"
	"github.com/Tung-I/my-ringmaster/internal/metrics"
	"github.com/Tung-I/my-ringmaster/internal/protocol"
	"github.com/Tung-I/my-ringmaster/internal/sender"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

const recvBufSize = 65535

// ackKey 确认路由键: 发送时记录, 收到 ACK 时查回分块
// ACK 线上格式不携带 tile_id, 由发送侧的发送索引消除歧义
type ackKey struct {
	frameID uint32
	fragID  uint16
	sendTS  uint64
}

// SessionConfig 分块发送端会话配置
type SessionConfig struct {
	Port         int
	MTU          int
	Rows         uint16
	Cols         uint16
	BufferFrames int
	GiveUpWindow int
	GopSize      uint32
	Verbose      bool
	OutputPath   string
}

// Session 分块发送端会话
// 数据面状态 (发送缓冲, unacked, RTT) 每分块一套, 共享输出套接字;
// 写出只发生在事件循环协程, 天然串行
type Session struct {
	cfg SessionConfig

	dataConn *net.UDPConn
	ctrlConn *net.UDPConn
	dataPeer *net.UDPAddr
	ctrlPeer *net.UDPAddr

	peerConfig protocol.ConfigMsg

	orch     *Orchestrator
	ackIndex map[ackKey]int

	stats  *metrics.SessionStats
	csvLog *metrics.CSVLogger
}

// NewSession 绑定套接字, 握手, 预填充环形缓冲并启动工作协程池
func NewSession(cfg SessionConfig, y4mPath string) (*Session, error) {
	dataConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("绑定数据套接字失败: %w", err)
	}
	ctrlConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Port + 1})
	if err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("绑定控制套接字失败: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		dataConn: dataConn,
		ctrlConn: ctrlConn,
		ackIndex: make(map[ackKey]int),
		stats:    metrics.NewSessionStats(),
	}

	fmt.Fprintf(os.Stderr, "[tile-sender] 本地地址: %s / %s\n",
		dataConn.LocalAddr(), ctrlConn.LocalAddr())
	fmt.Fprintln(os.Stderr, "[tile-sender] 等待接收端...")

	peerData, cfgMsg, err := recvConfig(dataConn)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.dataPeer = peerData
	s.peerConfig = cfgMsg
	fmt.Fprintf(os.Stderr, "[tile-sender] 数据对端: %s\n", peerData)

	peerCtrl, _, err := recvConfig(ctrlConn)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ctrlPeer = peerCtrl
	fmt.Fprintf(os.Stderr, "[tile-sender] 控制对端: %s\n", peerCtrl)

	if err := s.setup(y4mPath); err != nil {
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

// recvConfig 阻塞等待第一条合法 CONFIG
func recvConfig(conn *net.UDPConn) (*net.UDPAddr, protocol.ConfigMsg, error) {
	buf := make([]byte, recvBufSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, protocol.ConfigMsg{}, fmt.Errorf("等待 CONFIG 失败: %w", err)
		}
		msg, err := protocol.ParseMessage(buf[:n])
		if err != nil || msg.Type != protocol.MsgConfig {
			fmt.Fprintln(os.Stderr, "[tile-sender] 忽略非 CONFIG 消息")
			continue
		}
		return from, msg.Config, nil
	}
}

// setup 预填充环形缓冲并建立分块驱动
func (s *Session) setup(y4mPath string) error {
	width := s.peerConfig.Width
	height := s.peerConfig.Height
	frameRate := s.peerConfig.FrameRate
	if frameRate == 0 {
		frameRate = 30
	}

	fmt.Fprintf(os.Stderr,
		"[tile-sender] 配置: %dx%d fps=%d bitrate=%d rows=%d cols=%d\n",
		width, height, frameRate, s.peerConfig.TargetBitrate, s.cfg.Rows, s.cfg.Cols)

	// 预填充原始帧环形缓冲
	src, err := video.OpenY4M(y4mPath, width, height)
	if err != nil {
		return err
	}
	defer src.Close()

	ring := make([]*video.TiledImage, s.cfg.BufferFrames)
	for i := range ring {
		ti, err := video.NewTiledImage(width, height, s.cfg.Rows, s.cfg.Cols)
		if err != nil {
			return err
		}
		if err := src.ReadFrame(ti.Frame); err != nil {
			return fmt.Errorf("预填充环形缓冲失败: %w", err)
		}
		ring[i] = ti
		if (i+1)%10 == 0 {
			fmt.Fprintf(os.Stderr, "[tile-sender] 环形缓冲已填充 %d 帧\n", i+1)
		}
	}

	// 每分块一个编码驱动
	n := int(s.cfg.Rows) * int(s.cfg.Cols)
	drivers := make([]*sender.Driver, n)
	tileWidth := width / s.cfg.Cols
	tileHeight := height / s.cfg.Rows
	for i := 0; i < n; i++ {
		enc := codec.NewNullEncoder(frameRate, s.cfg.GopSize)
		drv, err := sender.NewDriver(enc, sender.DriverConfig{
			MTU:          s.cfg.MTU,
			Width:        tileWidth,
			Height:       tileHeight,
			FrameRate:    frameRate,
			GiveUpWindow: s.cfg.GiveUpWindow,
			Tiled:        true,
			TileID:       uint16(i),
			Verbose:      s.cfg.Verbose,
		}, s.stats)
		if err != nil {
			return err
		}
		drv.SetTargetBitrate(s.peerConfig.TargetBitrate)
		drivers[i] = drv
	}

	orch, err := NewOrchestrator(s.cfg.Rows, s.cfg.Cols, drivers, ring)
	if err != nil {
		return err
	}
	s.orch = orch

	return nil
}

// Run 事件循环
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ackCh := make(chan protocol.AckMsg, 4096)
	rateCh := make(chan uint32, 64)
	go s.readData(ctx, ackCh)
	go s.readControl(ctx, rateCh)

	frameRate := s.peerConfig.FrameRate
	if frameRate == 0 {
		frameRate = 30
	}
	frameInterval := time.Second / time.Duration(frameRate)
	frameTicker := time.NewTicker(frameInterval)
	defer frameTicker.Stop()
	statsTicker := time.NewTicker(time.Second)
	defer statsTicker.Stop()

	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case now := <-frameTicker.C:
			missed := int(now.Sub(lastTick)/frameInterval) - 1
			lastTick = now
			if missed > 0 {
				fmt.Fprintf(os.Stderr, "[tile-sender] 警告: 跳过 %d 帧\n", missed)
			}
			// 扇出编码并汇合; 返回后才排空发送缓冲区
			if err := s.orch.EncodeNext(missed); err != nil {
				return err
			}
			if err := s.drainAll(); err != nil {
				return err
			}

		case ack := <-ackCh:
			s.routeAck(ack)
			if err := s.drainAll(); err != nil {
				return err
			}

		case kbps := <-rateCh:
			fmt.Fprintf(os.Stderr, "[tile-sender] 收到码率估计: %d kbps\n", kbps)
			s.orch.SetTargetBitrate(kbps)

		case <-statsTicker.C:
			rec := s.stats.Snapshot()
			fmt.Fprintf(os.Stderr,
				"[tile-sender] frames=%d frags=%d rtx=%d acks=%d bitrate=%dkbps\n",
				rec.Frames, rec.FragmentsSent, rec.Retransmissions,
				rec.Acks, rec.TargetBitrate)
			if s.csvLog != nil {
				if err := s.csvLog.Write(rec); err != nil {
					fmt.Fprintf(os.Stderr, "[tile-sender] 写统计失败: %v\n", err)
				}
			}
			s.cleanAckIndex()
		}
	}
}

// routeAck 由发送索引找回分块, 交给对应驱动处理
func (s *Session) routeAck(ack protocol.AckMsg) {
	key := ackKey{frameID: ack.FrameID, fragID: ack.FragID, sendTS: ack.SendTS}
	idx, ok := s.ackIndex[key]
	if !ok {
		return // 重复或已放弃的确认
	}
	delete(s.ackIndex, key)
	s.orch.Drivers()[idx].HandleAck(ack, sender.TimestampUS())
}

// drainAll 排空所有分块驱动的发送缓冲区, 记录发送索引
func (s *Session) drainAll() error {
	now := sender.TimestampUS()
	for idx, drv := range s.orch.Drivers() {
		drv.CheckRetransmissions(now)

		buf := drv.SendBuf()
		for {
			d := buf.Front()
			if d == nil {
				break
			}

			sendTS := sender.TimestampUS()
			d.SendTS = sendTS

			if _, err := s.dataConn.WriteToUDP(d.Encode(), s.dataPeer); err != nil {
				d.SendTS = 0
				if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
					break // 等待可写后重试, 片段保留在队首
				}
				return fmt.Errorf("发送分块数据报失败: %w", err)
			}

			buf.PopSent(sendTS)
			s.stats.AddFragmentsSent(1, len(d.Payload))
			s.ackIndex[ackKey{frameID: d.FrameID, fragID: d.FragID, sendTS: sendTS}] = idx

			if s.cfg.Verbose {
				fmt.Fprintf(os.Stderr,
					"[tile-sender] 发送: frame_id=%d tile=%d frag_id=%d rtx=%d\n",
					d.FrameID, d.TileID, d.FragID, d.NumRTX)
			}
		}
	}
	return nil
}

// cleanAckIndex 剔除太旧的发送索引条目 (对应已放弃的片段)
func (s *Session) cleanAckIndex() {
	cutoff := sender.TimestampUS() - 10*1000000
	for key := range s.ackIndex {
		if key.sendTS < cutoff {
			delete(s.ackIndex, key)
		}
	}
}

// readData 数据套接字读取协程
func (s *Session) readData(ctx context.Context, ackCh chan<- protocol.AckMsg) {
	buf := make([]byte, recvBufSize)
	for {
		n, from, err := s.dataConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !from.IP.Equal(s.dataPeer.IP) || from.Port != s.dataPeer.Port {
			continue
		}

		msg, err := protocol.ParseMessage(buf[:n])
		if err != nil || msg.Type != protocol.MsgAck {
			continue
		}

		select {
		case ackCh <- msg.Ack:
		case <-ctx.Done():
			return
		}
	}
}

// readControl 控制套接字读取协程
func (s *Session) readControl(ctx context.Context, rateCh chan<- uint32) {
	buf := make([]byte, recvBufSize)
	for {
		n, from, err := s.ctrlConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !from.IP.Equal(s.ctrlPeer.IP) || from.Port != s.ctrlPeer.Port {
			continue
		}

		msg, err := protocol.ParseMessage(buf[:n])
		if err != nil {
			fmt.Fprintf(os.Stderr, "[tile-sender] 控制通道损坏消息: %v\n", err)
			continue
		}
		if msg.Type != protocol.MsgRateEstimate {
			fmt.Fprintf(os.Stderr, "[tile-sender] 控制通道收到非 RATE_ESTIMATE 消息\n")
			continue
		}

		select {
		case rateCh <- msg.RateEstimate.TargetBitrate:
		case <-ctx.Done():
			return
		}
	}
}

// Stats 统计访问器
func (s *Session) Stats() *metrics.SessionStats {
	return s.stats
}

// Close 释放资源
func (s *Session) Close() {
	if s.orch != nil {
		s.orch.Close()
	}
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
