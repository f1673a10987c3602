// =============================================================================
// 文件: internal/sender/encoder.go
// 描述: 编码驱动 - 压缩, 分片, 确认处理, 重传与放弃策略
// =============================================================================
package sender

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/Tung-I/my-ringmaster/internal/codec"
	"github.com/Tung-I/my-ringmaster/internal/congestion"
	"github.com/Tung-I/my-ringmaster/internal/metrics"
	"github.com/Tung-I/my-ringmaster/internal/protocol"
	"github.com/Tung-I/my-ringmaster/internal/transport"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

// TimestampUS 当前时间戳 (微秒)
func TimestampUS() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Driver 编码驱动
// 持有压缩器, 分片器, 发送缓冲区与 RTT 估算器
// 分块模式下 CompressFrame 由工作协程调用, 其余方法在事件循环协程调用
type Driver struct {
	enc  codec.Encoder
	frag *protocol.Fragmenter
	buf  *transport.SendBuffer
	rtt  *congestion.RTTEstimator

	width  uint16
	height uint16

	tiled  bool
	tileID uint16

	frameIntervalUS uint64
	giveUpWindow    int

	targetBitrate uint32 // atomic
	nextFrameID   uint32

	stats   *metrics.SessionStats
	verbose bool
}

// DriverConfig 驱动配置
type DriverConfig struct {
	MTU          int
	Width        uint16
	Height       uint16
	FrameRate    uint16
	GiveUpWindow int
	Tiled        bool
	TileID       uint16
	Verbose      bool
}

// NewDriver 创建编码驱动
func NewDriver(enc codec.Encoder, cfg DriverConfig, stats *metrics.SessionStats) (*Driver, error) {
	frag, err := protocol.NewFragmenter(cfg.MTU, cfg.Tiled)
	if err != nil {
		return nil, err
	}
	if cfg.FrameRate == 0 {
		return nil, fmt.Errorf("帧率不能为 0")
	}

	return &Driver{
		enc:             enc,
		frag:            frag,
		buf:             transport.NewSendBuffer(),
		rtt:             congestion.NewRTTEstimator(),
		width:           cfg.Width,
		height:          cfg.Height,
		tiled:           cfg.Tiled,
		tileID:          cfg.TileID,
		frameIntervalUS: 1000000 / uint64(cfg.FrameRate),
		giveUpWindow:    cfg.GiveUpWindow,
		stats:           stats,
		verbose:         cfg.Verbose,
	}, nil
}

// CompressFrame 压缩一帧并分片入队
// 编码失败按策略跳帧: 计数后继续, 不视为致命错误
func (d *Driver) CompressFrame(img *video.RawImage) error {
	cf, err := d.enc.CompressFrame(img)
	if err != nil {
		if errors.Is(err, codec.ErrCodecFailure) {
			d.stats.IncFramesSkipped()
			if d.verbose {
				fmt.Fprintf(os.Stderr, "[sender] 编码失败, 跳过一帧: %v\n", err)
			}
			return nil
		}
		return err
	}

	frameType := protocol.FrameTypeNonKey
	if cf.Key {
		frameType = protocol.FrameTypeKey
	}

	frameID := d.nextFrameID
	d.nextFrameID++

	var datagrams []*protocol.Datagram
	if d.tiled {
		datagrams = d.frag.FragmentTile(frameID, frameType, d.tileID,
			d.width, d.height, cf.Data)
	} else {
		datagrams = d.frag.Fragment(frameID, frameType, d.width, d.height, cf.Data)
	}

	d.buf.EnqueueNew(datagrams, TimestampUS())
	d.stats.IncFramesCompressed()

	if d.verbose {
		fmt.Fprintf(os.Stderr, "[sender] 压缩帧: frame_id=%d type=%s size=%d frags=%d\n",
			frameID, frameType, len(cf.Data), len(datagrams))
	}

	return nil
}

// HandleAck 处理一条确认
// 删除 unacked 条目, 更新 RTT, 随后扫描重传与放弃
func (d *Driver) HandleAck(ack protocol.AckMsg, nowUS uint64) {
	d.stats.IncAcksReceived()

	seq := protocol.SeqNum{FrameID: ack.FrameID, FragID: ack.FragID}
	if _, ok := d.buf.Ack(seq); ok {
		if nowUS > ack.SendTS {
			d.rtt.Update(nowUS - ack.SendTS)
			d.stats.SetSRTT(d.rtt.SmoothedRTT())
		}
	}

	d.CheckRetransmissions(nowUS)
}

// CheckRetransmissions 扫描未确认集合: 超时重传 + 陈旧帧放弃
func (d *Driver) CheckRetransmissions(nowUS uint64) {
	// 放弃策略: 帧龄超过 2 * 帧间隔 * 窗口 的片段不再重传
	maxAgeUS := 2 * d.frameIntervalUS * uint64(d.giveUpWindow)
	if nowUS > maxAgeUS {
		if dropped := d.buf.DropStale(nowUS - maxAgeUS); dropped > 0 {
			d.stats.AddFragmentsDropped(dropped)
			if d.verbose {
				fmt.Fprintf(os.Stderr, "[sender] 放弃 %d 个陈旧片段\n", dropped)
			}
		}
	}

	for _, dg := range d.buf.ScanRetransmit(nowUS, d.rtt.RTO()) {
		d.buf.EnqueueRetransmit(dg)
		d.stats.IncRetransmissions()
		if d.verbose {
			fmt.Fprintf(os.Stderr, "[sender] 重传: frame_id=%d frag_id=%d rtx=%d\n",
				dg.FrameID, dg.FragID, dg.NumRTX)
		}
	}
}

// SetTargetBitrate 设置目标码率 (kbps), 下一次压缩生效
func (d *Driver) SetTargetBitrate(kbps uint32) {
	atomic.StoreUint32(&d.targetBitrate, kbps)
	d.enc.SetTargetBitrate(kbps)
	d.stats.SetTargetBitrate(kbps)
}

// TargetBitrate 当前目标码率
func (d *Driver) TargetBitrate() uint32 {
	return atomic.LoadUint32(&d.targetBitrate)
}

// SendBuf 发送缓冲区访问器, 供事件循环排空
func (d *Driver) SendBuf() *transport.SendBuffer {
	return d.buf
}

// RTT 估算器访问器
func (d *Driver) RTT() *congestion.RTTEstimator {
	return d.rtt
}

// Width 驱动的帧宽
func (d *Driver) Width() uint16 {
	return d.width
}

// OutputPeriodicStats 输出每秒统计到标准错误, 返回快照供 CSV 记录
func (d *Driver) OutputPeriodicStats() metrics.Record {
	rec := d.stats.Snapshot()
	fmt.Fprintf(os.Stderr,
		"[sender] frames=%d frags=%d rtx=%d acks=%d srtt=%.0fus bitrate=%dkbps unacked=%d\n",
		rec.Frames, rec.FragmentsSent, rec.Retransmissions, rec.Acks,
		rec.SRTTUS, rec.TargetBitrate, d.buf.UnackedCount())
	return rec
}
