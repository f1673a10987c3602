// =============================================================================
// 文件: internal/receiver/decoder.go
// 描述: 解码驱动 - 片段入重组器, 按序消费, 懒惰级别
// =============================================================================
package receiver

import (
	"fmt"
	"os"

	"github.com/Tung-I/my-ringmaster/internal/codec"
	"github.com/Tung-I/my-ringmaster/internal/congestion"
	"github.com/Tung-I/my-ringmaster/internal/metrics"
	"github.com/Tung-I/my-ringmaster/internal/protocol"
	"github.com/Tung-I/my-ringmaster/internal/transport"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

// 懒惰级别
const (
	LazyDecodeDisplay = 0 // 解码并显示
	LazyDecodeOnly    = 1 // 仅解码
	LazyDiscard       = 2 // 丢弃 (单独测量网络栈)
)

// Driver 解码驱动
type Driver struct {
	asm  *transport.Assembler
	dec  codec.Decoder
	sink video.Sink
	lazy int

	rate  *congestion.DeliveryRateEstimator
	stats *metrics.SessionStats

	lastPurged    uint64
	lastDuplicate uint64

	verbose bool
}

// NewDriver 创建解码驱动; sink 可为 nil (lazy >= 1)
func NewDriver(dec codec.Decoder, sink video.Sink, lazy int,
	rate *congestion.DeliveryRateEstimator, stats *metrics.SessionStats,
	verbose bool) *Driver {

	return &Driver{
		asm:     transport.NewAssembler(),
		dec:     dec,
		sink:    sink,
		lazy:    lazy,
		rate:    rate,
		stats:   stats,
		verbose: verbose,
	}
}

// AddDatagram 片段进入重组器
func (d *Driver) AddDatagram(dg *protocol.Datagram) error {
	d.stats.IncFragmentsReceived()
	err := d.asm.Add(dg)
	d.syncAssemblerStats()
	return err
}

// syncAssemblerStats 把重组器内部计数的增量同步到会话统计
func (d *Driver) syncAssemblerStats() {
	if purged := d.asm.TotalPurged(); purged > d.lastPurged {
		d.stats.AddFramesPurged(int(purged - d.lastPurged))
		d.lastPurged = purged
	}
	if dup := d.asm.TotalDuplicate(); dup > d.lastDuplicate {
		for i := d.lastDuplicate; i < dup; i++ {
			d.stats.IncDuplicates()
		}
		d.lastDuplicate = dup
	}
}

// NextFrameComplete 游标处的帧是否可消费
func (d *Driver) NextFrameComplete() bool {
	return d.asm.NextFrameComplete()
}

// ConsumeNextFrame 消费游标处的完整帧
// 解码失败按策略跳过并继续
func (d *Driver) ConsumeNextFrame() {
	frame := d.asm.ConsumeNextFrame()
	d.stats.IncFramesDelivered()
	if d.rate != nil {
		d.rate.OnFrameDelivered(len(frame.Data))
	}

	if d.verbose {
		fmt.Fprintf(os.Stderr, "[receiver] 消费帧: frame_id=%d type=%s size=%d\n",
			frame.ID, frame.Type, len(frame.Data))
	}

	if d.lazy >= LazyDiscard {
		return
	}

	img, err := d.dec.DecompressFrame(frame.Data)
	if err != nil {
		if d.verbose {
			fmt.Fprintf(os.Stderr, "[receiver] 解码失败, 跳过帧 %d: %v\n", frame.ID, err)
		}
		return
	}

	if d.lazy == LazyDecodeDisplay && d.sink != nil {
		if err := d.sink.Display(img); err != nil && d.verbose {
			fmt.Fprintf(os.Stderr, "[receiver] 显示失败: %v\n", err)
		}
	}
}

// ConsumeCompleted 消费所有已完整的帧
func (d *Driver) ConsumeCompleted() {
	for d.NextFrameComplete() {
		d.ConsumeNextFrame()
	}
}

// Assembler 重组器访问器
func (d *Driver) Assembler() *transport.Assembler {
	return d.asm
}
