// =============================================================================
// 文件: internal/sender/session.go
// 描述: 发送端会话 - 双套接字握手, 单协程事件循环, 控制通道
// =============================================================================
package sender

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
	"github.com/Tung-I/my-ringmaster/internal/video"
)

const recvBufSize = 65535

// 多分辨率阶梯与默认码率 (kbps)
var (
	LadderResolutions = []uint16{1080, 720, 480, 360}
	LadderBitrates    = map[uint16]uint32{1080: 8000, 720: 5000, 480: 2500, 360: 1000}
)

// SessionConfig 发送端会话配置
type SessionConfig struct {
	Port         int
	MTU          int
	GiveUpWindow int
	GopSize      uint32
	MultiRes     bool
	Verbose      bool
	OutputPath   string
}

// Session 发送端会话
// 所有传输状态由事件循环协程独占; 读取协程只解析并转发
type Session struct {
	cfg SessionConfig

	dataConn *net.UDPConn
	ctrlConn *net.UDPConn
	dataPeer *net.UDPAddr
	ctrlPeer *net.UDPAddr

	peerConfig protocol.ConfigMsg

	// 激活分辨率的驱动在 drivers[activeWidth]
	drivers     map[uint16]*Driver
	sources     map[uint16]video.Source
	images      map[uint16]*video.RawImage
	activeWidth uint16

	stats  *metrics.SessionStats
	csvLog *metrics.CSVLogger
}

// NewSession 绑定双套接字并等待接收端的 CONFIG
// 数据套接字在 port, 控制套接字在 port+1;
// 各自钉住第一条合法 CONFIG 的来源地址
func NewSession(cfg SessionConfig, openSource func(width, height uint16) (video.Source, error)) (*Session, error) {
	dataConn, err := listenUDP(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("绑定数据套接字失败: %w", err)
	}
	ctrlConn, err := listenUDP(cfg.Port + 1)
	if err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("绑定控制套接字失败: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		dataConn: dataConn,
		ctrlConn: ctrlConn,
		drivers:  make(map[uint16]*Driver),
		sources:  make(map[uint16]video.Source),
		images:   make(map[uint16]*video.RawImage),
		stats:    metrics.NewSessionStats(),
	}

	fmt.Fprintf(os.Stderr, "[sender] 本地地址: %s / %s\n",
		dataConn.LocalAddr(), ctrlConn.LocalAddr())
	fmt.Fprintln(os.Stderr, "[sender] 等待接收端...")

	// 数据与控制通道独立钉住各自的对端
	peerData, cfgMsg, err := recvConfig(dataConn)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.dataPeer = peerData
	s.peerConfig = cfgMsg
	fmt.Fprintf(os.Stderr, "[sender] 数据对端: %s\n", peerData)

	peerCtrl, _, err := recvConfig(ctrlConn)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ctrlPeer = peerCtrl
	fmt.Fprintf(os.Stderr, "[sender] 控制对端: %s\n", peerCtrl)

	fmt.Fprintf(os.Stderr, "[sender] 收到配置: width=%d height=%d fps=%d bitrate=%d\n",
		cfgMsg.Width, cfgMsg.Height, cfgMsg.FrameRate, cfgMsg.TargetBitrate)

	if err := s.setup(openSource); err != nil {
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

func listenUDP(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{Port: port})
}

// recvConfig 阻塞等待第一条合法 CONFIG, 返回其来源地址
func recvConfig(conn *net.UDPConn) (*net.UDPAddr, protocol.ConfigMsg, error) {
	buf := make([]byte, recvBufSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, protocol.ConfigMsg{}, fmt.Errorf("等待 CONFIG 失败: %w", err)
		}
		msg, err := protocol.ParseMessage(buf[:n])
		if err != nil || msg.Type != protocol.MsgConfig {
			continue // 忽略非法或非 CONFIG 消息
		}
		return from, msg.Config, nil
	}
}

// setup 按配置建立编码驱动与视频来源
func (s *Session) setup(openSource func(width, height uint16) (video.Source, error)) error {
	frameRate := s.peerConfig.FrameRate
	if frameRate == 0 {
		frameRate = 30
	}

	build := func(width, height uint16, bitrate uint32) error {
		enc := codec.NewNullEncoder(frameRate, s.cfg.GopSize)
		drv, err := NewDriver(enc, DriverConfig{
			MTU:          s.cfg.MTU,
			Width:        width,
			Height:       height,
			FrameRate:    frameRate,
			GiveUpWindow: s.cfg.GiveUpWindow,
			Verbose:      s.cfg.Verbose,
		}, s.stats)
		if err != nil {
			return err
		}
		drv.SetTargetBitrate(bitrate)

		src, err := openSource(width, height)
		if err != nil {
			return err
		}

		s.drivers[width] = drv
		s.sources[width] = src
		s.images[width] = video.NewRawImage(width, height)
		return nil
	}

	if s.cfg.MultiRes {
		for _, res := range LadderResolutions {
			if err := build(res, res, LadderBitrates[res]); err != nil {
				return err
			}
		}
		s.activeWidth = s.peerConfig.Width
		if _, ok := s.drivers[s.activeWidth]; !ok {
			return fmt.Errorf("请求的分辨率 %d 不在阶梯中", s.peerConfig.Width)
		}
	} else {
		if err := build(s.peerConfig.Width, s.peerConfig.Height, s.peerConfig.TargetBitrate); err != nil {
			return err
		}
		s.activeWidth = s.peerConfig.Width
	}

	return nil
}

// Run 事件循环
// 帧定时器触发压缩, 数据套接字送入确认, 控制套接字送入码率估计;
// 每个处理器运行到完成, 随后排空发送缓冲区
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ackCh := make(chan protocol.AckMsg, 1024)
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
			// 宽松处理: 落后多个周期时多读几帧, 只编码最后一帧
			missed := int(now.Sub(lastTick)/frameInterval) - 1
			lastTick = now
			if missed > 0 {
				fmt.Fprintf(os.Stderr, "[sender] 警告: 跳过 %d 帧\n", missed)
			}
			if err := s.onFrameTick(missed); err != nil {
				if errors.Is(err, video.ErrEndOfInput) {
					fmt.Fprintln(os.Stderr, "[sender] 视频输入已耗尽")
					return nil
				}
				return err
			}
			if err := s.drainAll(); err != nil {
				return err
			}

		case ack := <-ackCh:
			now := TimestampUS()
			// 确认交给所有驱动; 未知键被静默忽略
			for _, drv := range s.drivers {
				drv.HandleAck(ack, now)
			}
			if err := s.drainAll(); err != nil {
				return err
			}

		case kbps := <-rateCh:
			fmt.Fprintf(os.Stderr, "[sender] 收到码率估计: %d kbps\n", kbps)
			s.drivers[s.activeWidth].SetTargetBitrate(kbps)

		case <-statsTicker.C:
			rec := s.drivers[s.activeWidth].OutputPeriodicStats()
			if s.csvLog != nil {
				if err := s.csvLog.Write(rec); err != nil {
					fmt.Fprintf(os.Stderr, "[sender] 写统计失败: %v\n", err)
				}
			}
		}
	}
}

// onFrameTick 读取原始帧并压缩
func (s *Session) onFrameTick(missed int) error {
	// 所有来源同步前进, 保持时间轴一致
	for width, src := range s.sources {
		img := s.images[width]
		for i := 0; i <= missed; i++ {
			if err := src.ReadFrame(img); err != nil {
				return err
			}
		}
	}

	return s.drivers[s.activeWidth].CompressFrame(s.images[s.activeWidth])
}

// drainAll 排空所有驱动的发送缓冲区
func (s *Session) drainAll() error {
	now := TimestampUS()
	for _, drv := range s.drivers {
		drv.CheckRetransmissions(now)
		if err := DrainSendBuf(s.dataConn, s.dataPeer, drv, s.stats, s.cfg.Verbose); err != nil {
			return err
		}
	}
	return nil
}

// DrainSendBuf 把驱动的发送队列写入套接字
// 发送前打时间戳; 将阻塞时清回时间戳并保留队首片段
func DrainSendBuf(conn *net.UDPConn, peer *net.UDPAddr, drv *Driver,
	stats *metrics.SessionStats, verbose bool) error {

	buf := drv.SendBuf()
	for {
		d := buf.Front()
		if d == nil {
			return nil
		}

		now := TimestampUS()
		d.SendTS = now

		_, err := conn.WriteToUDP(d.Encode(), peer)
		if err != nil {
			if isWouldBlock(err) {
				d.SendTS = 0
				return nil // 等待可写后重试
			}
			return fmt.Errorf("发送数据报失败: %w", err)
		}

		buf.PopSent(now)
		stats.AddFragmentsSent(1, len(d.Payload))

		if verbose {
			fmt.Fprintf(os.Stderr, "[sender] 发送: frame_id=%d frag_id=%d frag_cnt=%d rtx=%d\n",
				d.FrameID, d.FragID, d.FragCnt, d.NumRTX)
		}
	}
}

// isWouldBlock 判断写操作是否因缓冲满而将阻塞
func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) ||
		os.IsTimeout(err)
}

// readData 数据套接字读取协程: 解析 ACK 转发给事件循环
func (s *Session) readData(ctx context.Context, ackCh chan<- protocol.AckMsg) {
	buf := make([]byte, recvBufSize)
	for {
		n, from, err := s.dataConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			return
		}
		if !udpAddrEqual(from, s.dataPeer) {
			continue // 只接受已钉住的对端
		}

		msg, err := protocol.ParseMessage(buf[:n])
		if err != nil {
			if s.cfg.Verbose {
				fmt.Fprintf(os.Stderr, "[sender] 丢弃损坏消息: %v\n", err)
			}
			continue
		}
		if msg.Type != protocol.MsgAck {
			continue // 忽略非 ACK 消息
		}

		select {
		case ackCh <- msg.Ack:
		case <-ctx.Done():
			return
		}
	}
}

// readControl 控制套接字读取协程: 只接受 RATE_ESTIMATE
func (s *Session) readControl(ctx context.Context, rateCh chan<- uint32) {
	buf := make([]byte, recvBufSize)
	for {
		n, from, err := s.ctrlConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			return
		}
		if !udpAddrEqual(from, s.ctrlPeer) {
			continue
		}

		msg, err := protocol.ParseMessage(buf[:n])
		if err != nil {
			fmt.Fprintf(os.Stderr, "[sender] 控制通道损坏消息: %v\n", err)
			continue
		}
		if msg.Type != protocol.MsgRateEstimate {
			fmt.Fprintf(os.Stderr, "[sender] 控制通道收到非 RATE_ESTIMATE 消息: type=%d\n", msg.Type)
			continue
		}

		select {
		case rateCh <- msg.RateEstimate.TargetBitrate:
		case <-ctx.Done():
			return
		}
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
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
	for _, src := range s.sources {
		src.Close()
	}
	if s.csvLog != nil {
		s.csvLog.Close()
	}
}
