// =============================================================================
// 文件: internal/transport/send_buffer.go
// 描述: 发送缓冲区与未确认集合 - FIFO 队列 + (frame_id, frag_id) 映射
// =============================================================================
package transport

import (
	"sync"

	"github.com/Tung-I/my-ringmaster/internal/protocol"
)

// SendBuffer 发送缓冲区
// 队列头部是首次发送的片段; 重传片段追加到尾部
// 不变式: 片段在 unacked 中 <=> 已发送至少一次且未被确认且未被放弃
type SendBuffer struct {
	queue   []*protocol.Datagram
	unacked map[protocol.SeqNum]*protocol.Datagram

	// 统计
	totalSent       uint64
	totalRetransmit uint64
	totalAcked      uint64
	totalDropped    uint64

	mu sync.Mutex
}

// NewSendBuffer 创建发送缓冲区
func NewSendBuffer() *SendBuffer {
	return &SendBuffer{
		unacked: make(map[protocol.SeqNum]*protocol.Datagram),
	}
}

// EnqueueNew 追加新片段, 打上帧生成时间
func (b *SendBuffer) EnqueueNew(datagrams []*protocol.Datagram, ctimeUS uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range datagrams {
		d.CTime = ctimeUS
		b.queue = append(b.queue, d)
	}
}

// Empty 队列是否为空
func (b *SendBuffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) == 0
}

// Len 队列长度
func (b *SendBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Front 查看队首片段; 队列为空返回 nil
func (b *SendBuffer) Front() *protocol.Datagram {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil
	}
	return b.queue[0]
}

// PopSent 发送成功后调用: 弹出队首, 首次发送的片段进入 unacked
// 重传片段不重复插入, unacked 中的原条目保持
func (b *SendBuffer) PopSent(sendTS uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return
	}
	d := b.queue[0]
	b.queue = b.queue[1:]

	d.SendTS = sendTS
	d.LastSendTS = sendTS
	b.totalSent++

	// 首次发送进入 unacked; 重传片段与 unacked 中是同一对象, 时间戳已更新
	if d.NumRTX == 0 {
		b.unacked[d.Seq()] = d
	}
}

// Ack 删除未确认条目; 未知键 (重复或已放弃) 静默忽略
// 返回被确认的片段, 供调用方喂给 RTT 估算器
func (b *SendBuffer) Ack(seq protocol.SeqNum) (*protocol.Datagram, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.unacked[seq]
	if !ok {
		return nil, false
	}
	delete(b.unacked, seq)
	b.totalAcked++
	return d, true
}

// EnqueueRetransmit 重传: 片段重新追加到队尾, 重传计数加一, unacked 条目保持
func (b *SendBuffer) EnqueueRetransmit(d *protocol.Datagram) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d.NumRTX++
	b.totalRetransmit++
	b.queue = append(b.queue, d)
}

// ScanRetransmit 扫描超时的未确认片段
// now - last_send_ts >= rto 的条目被返回, 由调用方决定重传
func (b *SendBuffer) ScanRetransmit(nowUS, rtoUS uint64) []*protocol.Datagram {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []*protocol.Datagram
	for _, d := range b.unacked {
		if d.LastSendTS > 0 && nowUS-d.LastSendTS >= rtoUS {
			expired = append(expired, d)
		}
	}
	return expired
}

// DropStale 放弃陈旧帧的片段: 帧生成时间早于 cutoff 的片段
// 从队列和 unacked 中同时剔除; 实时播放偏好新帧
func (b *SendBuffer) DropStale(cutoffUS uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0

	kept := b.queue[:0]
	for _, d := range b.queue {
		if d.CTime < cutoffUS {
			dropped++
			continue
		}
		kept = append(kept, d)
	}
	b.queue = kept

	for seq, d := range b.unacked {
		if d.CTime < cutoffUS {
			delete(b.unacked, seq)
			dropped++
		}
	}

	b.totalDropped += uint64(dropped)
	return dropped
}

// UnackedContains 未确认集合是否包含该片段
func (b *SendBuffer) UnackedContains(seq protocol.SeqNum) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.unacked[seq]
	return ok
}

// UnackedCount 未确认片段数
func (b *SendBuffer) UnackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// GetStats 获取统计
func (b *SendBuffer) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"queue_len":        len(b.queue),
		"unacked":          len(b.unacked),
		"total_sent":       b.totalSent,
		"total_retransmit": b.totalRetransmit,
		"total_acked":      b.totalAcked,
		"total_dropped":    b.totalDropped,
	}
}

// Reset 重置
func (b *SendBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = nil
	b.unacked = make(map[protocol.SeqNum]*protocol.Datagram)
	b.totalSent = 0
	b.totalRetransmit = 0
	b.totalAcked = 0
	b.totalDropped = 0
}
