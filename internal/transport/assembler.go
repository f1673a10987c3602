// =============================================================================
// 文件: internal/transport/assembler.go
// 描述: 接收端帧重组 - 片段聚合, 按 frame_id 顺序交付, 陈旧帧清除
// =============================================================================
package transport

import (
	"fmt"
	"sync"

	"github.com/Tung-I/my-ringmaster/internal/protocol"
)

// Frame 重组完成的压缩帧
type Frame struct {
	ID     uint32
	Type   protocol.FrameType
	Width  uint16
	Height uint16
	Data   []byte
}

// pendingFrame 未完成帧的接收状态
type pendingFrame struct {
	fragCnt   uint16
	frameType protocol.FrameType
	width     uint16
	height    uint16
	received  int
	payloads  [][]byte // 按 frag_id 索引, nil 表示未到
}

// Assembler 帧重组器
// 不变式: frame_id < nextFrameID 的状态已删除
type Assembler struct {
	frames      map[uint32]*pendingFrame
	nextFrameID uint32

	dedup *SeenGuard

	// 统计
	totalDelivered uint64
	totalPurged    uint64
	totalDuplicate uint64
	totalStale     uint64

	mu sync.Mutex
}

// NewAssembler 创建重组器
func NewAssembler() *Assembler {
	return &Assembler{
		frames: make(map[uint32]*pendingFrame),
		dedup:  NewSeenGuard(),
	}
}

// Add 插入片段
// frame_id < nextFrameID 的片段静默丢弃;
// 同一帧声明不同 frag_cnt 的片段被拒绝 (ErrInconsistent);
// 关键帧触发陈旧帧清除: frame_id < F 的状态全部删除, 游标跳到 F
func (a *Assembler) Add(d *protocol.Datagram) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if d.FrameID < a.nextFrameID {
		// 迟到的重复片段与真正陈旧的片段分开计数
		if a.dedup.Seen(d.FrameID, d.FragID) {
			a.totalDuplicate++
		} else {
			a.totalStale++
		}
		return nil
	}

	// 关键帧清除策略: 更新的关键帧到达, 放弃它之前所有未完成的帧
	if d.FrameType == protocol.FrameTypeKey && d.FrameID > a.nextFrameID {
		for id := range a.frames {
			if id < d.FrameID {
				delete(a.frames, id)
				a.totalPurged++
			}
		}
		a.nextFrameID = d.FrameID
	}

	pf, ok := a.frames[d.FrameID]
	if !ok {
		if d.FragCnt == 0 {
			return fmt.Errorf("%w: frag_cnt 为 0", protocol.ErrMalformed)
		}
		pf = &pendingFrame{
			fragCnt:   d.FragCnt,
			frameType: d.FrameType,
			width:     d.FrameWidth,
			height:    d.FrameHeight,
			payloads:  make([][]byte, d.FragCnt),
		}
		a.frames[d.FrameID] = pf
	} else if pf.fragCnt != d.FragCnt {
		return fmt.Errorf("%w: frame_id=%d 已记录 frag_cnt=%d, 收到 %d",
			protocol.ErrInconsistent, d.FrameID, pf.fragCnt, d.FragCnt)
	}

	if d.FragID >= pf.fragCnt {
		return fmt.Errorf("%w: frag_id=%d 超出 frag_cnt=%d",
			protocol.ErrMalformed, d.FragID, pf.fragCnt)
	}

	// 重复片段静默忽略
	if pf.payloads[d.FragID] != nil {
		a.totalDuplicate++
		return nil
	}

	pf.payloads[d.FragID] = d.Payload
	pf.received++
	a.dedup.Mark(d.FrameID, d.FragID)

	return nil
}

// NextFrameComplete 游标处的帧是否已收齐
func (a *Assembler) NextFrameComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	pf, ok := a.frames[a.nextFrameID]
	return ok && pf.fragCnt > 0 && pf.received == int(pf.fragCnt)
}

// ConsumeNextFrame 取出游标处的完整帧: 按 frag_id 顺序拼接负载,
// 删除状态, 游标前进一格
func (a *Assembler) ConsumeNextFrame() Frame {
	a.mu.Lock()
	defer a.mu.Unlock()

	pf := a.frames[a.nextFrameID]

	total := 0
	for _, p := range pf.payloads {
		total += len(p)
	}
	data := make([]byte, 0, total)
	for _, p := range pf.payloads {
		data = append(data, p...)
	}

	frame := Frame{
		ID:     a.nextFrameID,
		Type:   pf.frameType,
		Width:  pf.width,
		Height: pf.height,
		Data:   data,
	}

	delete(a.frames, a.nextFrameID)
	a.nextFrameID++
	a.totalDelivered++

	return frame
}

// NextFrameID 当前游标
func (a *Assembler) NextFrameID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextFrameID
}

// PendingCount 未完成帧数
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

// TotalPurged 被清除策略放弃的帧数
func (a *Assembler) TotalPurged() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalPurged
}

// TotalDuplicate 重复片段数
func (a *Assembler) TotalDuplicate() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalDuplicate
}

// GetStats 获取统计
func (a *Assembler) GetStats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	return map[string]interface{}{
		"next_frame_id":   a.nextFrameID,
		"pending_frames":  len(a.frames),
		"total_delivered": a.totalDelivered,
		"total_purged":    a.totalPurged,
		"total_duplicate": a.totalDuplicate,
		"total_stale":     a.totalStale,
	}
}
