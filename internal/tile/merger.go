// =============================================================================
// 文件: internal/tile/merger.go
// 描述: 接收端分块合并 - 按 tile_id 分派重组器, 集齐后逆切分还原整帧
// =============================================================================
package tile

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

// pendingMerge 等待集齐的整帧
type pendingMerge struct {
	tiles []*video.RawImage // 按分块索引, nil 表示未到
	count int
}

// Merger 接收端分块合并器
// 每个分块一个重组器与解码器; 当全部 R*C 个分块产出同一 frame_id 时,
// 按切分布局的逆操作合并为整帧并显示
type Merger struct {
	rows uint16
	cols uint16
	lazy int

	asms []*transport.Assembler
	decs []codec.Decoder

	// 已解码分块按 frame_id 聚集
	pending map[uint32]*pendingMerge
	merged  uint32 // 已合并交付的最高 frame_id + 1

	frame *video.TiledImage
	sink  video.Sink

	rate    *congestion.DeliveryRateEstimator
	stats   *metrics.SessionStats
	verbose bool
}

// NewMerger 创建合并器
func NewMerger(width, height, rows, cols uint16, lazy int, sink video.Sink,
	rate *congestion.DeliveryRateEstimator, stats *metrics.SessionStats,
	verbose bool) (*Merger, error) {

	frame, err := video.NewTiledImage(width, height, rows, cols)
	if err != nil {
		return nil, err
	}

	n := int(rows) * int(cols)
	m := &Merger{
		rows:    rows,
		cols:    cols,
		lazy:    lazy,
		asms:    make([]*transport.Assembler, n),
		decs:    make([]codec.Decoder, n),
		pending: make(map[uint32]*pendingMerge),
		frame:   frame,
		sink:    sink,
		rate:    rate,
		stats:   stats,
		verbose: verbose,
	}
	for i := 0; i < n; i++ {
		m.asms[i] = transport.NewAssembler()
		m.decs[i] = codec.NewNullDecoder()
	}

	return m, nil
}

// AddDatagram 片段按 tile_id 进入对应重组器, 随后消费完整的分块帧
func (m *Merger) AddDatagram(dg *protocol.Datagram) error {
	m.stats.IncFragmentsReceived()

	idx := int(dg.TileID)
	if idx >= len(m.asms) {
		return fmt.Errorf("%w: tile_id=%d 超出 %d 分块",
			protocol.ErrMalformed, dg.TileID, len(m.asms))
	}

	if err := m.asms[idx].Add(dg); err != nil {
		return err
	}

	m.consumeTile(idx)
	return nil
}

// consumeTile 消费一个分块重组器中所有完整的帧
func (m *Merger) consumeTile(idx int) {
	asm := m.asms[idx]
	for asm.NextFrameComplete() {
		frame := asm.ConsumeNextFrame()
		if m.rate != nil {
			m.rate.OnFrameDelivered(len(frame.Data))
		}

		if frame.ID < m.merged {
			continue // 整帧已放弃或交付
		}

		if m.lazy >= 2 {
			// 丢弃级别仍要推进集齐计数, 以维持 frame_id 水位
			m.collect(frame.ID, idx, nil)
			continue
		}

		img, err := m.decs[idx].DecompressFrame(frame.Data)
		if err != nil {
			if m.verbose {
				fmt.Fprintf(os.Stderr, "[tile] 分块解码失败: frame_id=%d tile=%d: %v\n",
					frame.ID, idx, err)
			}
			// 解码失败的分块仍计入集齐, 合并时保留上一帧内容
			m.collect(frame.ID, idx, nil)
			continue
		}
		m.collect(frame.ID, idx, img)
	}
}

// collect 记录一个已解码分块; 集齐 R*C 个后合并交付
func (m *Merger) collect(frameID uint32, idx int, img *video.RawImage) {
	pm, ok := m.pending[frameID]
	if !ok {
		pm = &pendingMerge{tiles: make([]*video.RawImage, len(m.asms))}
		m.pending[frameID] = pm
	}
	if pm.tiles[idx] == nil {
		pm.count++
	}
	pm.tiles[idx] = img

	if pm.count < len(m.asms) {
		return
	}

	// 集齐: 合并为整帧
	if m.lazy < 2 {
		for i, tileImg := range pm.tiles {
			if tileImg == nil {
				continue // 解码失败的分块保留上一帧内容
			}
			row := uint16(i) / m.cols
			col := uint16(i) % m.cols
			if err := m.frame.PlaceTile(row, col, tileImg); err != nil && m.verbose {
				fmt.Fprintf(os.Stderr, "[tile] 写回失败: %v\n", err)
			}
		}
		if m.lazy == 0 && m.sink != nil {
			if err := m.sink.Display(m.frame.Frame); err != nil && m.verbose {
				fmt.Fprintf(os.Stderr, "[tile] 显示失败: %v\n", err)
			}
		}
	}

	m.stats.IncFramesDelivered()
	delete(m.pending, frameID)
	if frameID >= m.merged {
		m.merged = frameID + 1
	}

	// 丢弃早于已交付水位的未集齐状态
	for id := range m.pending {
		if id < m.merged {
			delete(m.pending, id)
			m.stats.AddFramesPurged(1)
		}
	}

	if m.verbose {
		fmt.Fprintf(os.Stderr, "[tile] 合并交付: frame_id=%d\n", frameID)
	}
}

// FrameDisplayable 指定 frame_id 是否已集齐 (测试用)
func (m *Merger) FrameDisplayable(frameID uint32) bool {
	return frameID < m.merged
}

// Merged 已合并交付的帧数水位
func (m *Merger) Merged() uint32 {
	return m.merged
}
