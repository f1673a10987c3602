// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 会话统计 - 传输运行状态的计数器
// =============================================================================
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// SessionStats 会话统计收集器
// 计数器为累计值; 每秒快照由 Snapshot 结算
type SessionStats struct {
	// 发送端计数
	framesCompressed uint64
	fragmentsSent    uint64
	retransmissions  uint64
	acksReceived     uint64
	bytesSent        uint64
	framesSkipped    uint64 // 编码失败跳过的帧
	fragmentsDropped uint64 // 放弃策略丢弃的片段

	// 接收端计数
	fragmentsReceived uint64
	framesDelivered   uint64
	framesPurged      uint64
	duplicates        uint64

	// 当前值 (gauge)
	srttUS        uint64 // float64 bits
	targetBitrate uint32

	startTime time.Time
}

// NewSessionStats 创建统计收集器
func NewSessionStats() *SessionStats {
	return &SessionStats{startTime: time.Now()}
}

// =============================================================================
// 发送端计数方法
// =============================================================================

// IncFramesCompressed 帧压缩完成
func (s *SessionStats) IncFramesCompressed() {
	atomic.AddUint64(&s.framesCompressed, 1)
}

// AddFragmentsSent 片段发送
func (s *SessionStats) AddFragmentsSent(n int, bytes int) {
	atomic.AddUint64(&s.fragmentsSent, uint64(n))
	atomic.AddUint64(&s.bytesSent, uint64(bytes))
}

// IncRetransmissions 重传
func (s *SessionStats) IncRetransmissions() {
	atomic.AddUint64(&s.retransmissions, 1)
}

// IncAcksReceived 收到确认
func (s *SessionStats) IncAcksReceived() {
	atomic.AddUint64(&s.acksReceived, 1)
}

// IncFramesSkipped 编码失败跳帧
func (s *SessionStats) IncFramesSkipped() {
	atomic.AddUint64(&s.framesSkipped, 1)
}

// AddFragmentsDropped 放弃片段
func (s *SessionStats) AddFragmentsDropped(n int) {
	atomic.AddUint64(&s.fragmentsDropped, uint64(n))
}

// =============================================================================
// 接收端计数方法
// =============================================================================

// IncFragmentsReceived 收到片段
func (s *SessionStats) IncFragmentsReceived() {
	atomic.AddUint64(&s.fragmentsReceived, 1)
}

// IncFramesDelivered 帧交付
func (s *SessionStats) IncFramesDelivered() {
	atomic.AddUint64(&s.framesDelivered, 1)
}

// AddFramesPurged 清除的帧
func (s *SessionStats) AddFramesPurged(n int) {
	atomic.AddUint64(&s.framesPurged, uint64(n))
}

// IncDuplicates 重复片段
func (s *SessionStats) IncDuplicates() {
	atomic.AddUint64(&s.duplicates, 1)
}

// =============================================================================
// 当前值方法
// =============================================================================

// SetSRTT 更新平滑 RTT (微秒)
func (s *SessionStats) SetSRTT(srttUS float64) {
	atomic.StoreUint64(&s.srttUS, math.Float64bits(srttUS))
}

// GetSRTT 获取平滑 RTT (微秒)
func (s *SessionStats) GetSRTT() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.srttUS))
}

// SetTargetBitrate 更新目标码率
func (s *SessionStats) SetTargetBitrate(kbps uint32) {
	atomic.StoreUint32(&s.targetBitrate, kbps)
}

// GetTargetBitrate 获取目标码率
func (s *SessionStats) GetTargetBitrate() uint32 {
	return atomic.LoadUint32(&s.targetBitrate)
}

// =============================================================================
// 读取方法
// =============================================================================

// GetFramesCompressed 压缩帧数
func (s *SessionStats) GetFramesCompressed() uint64 {
	return atomic.LoadUint64(&s.framesCompressed)
}

// GetFragmentsSent 已发送片段数
func (s *SessionStats) GetFragmentsSent() uint64 {
	return atomic.LoadUint64(&s.fragmentsSent)
}

// GetRetransmissions 重传次数
func (s *SessionStats) GetRetransmissions() uint64 {
	return atomic.LoadUint64(&s.retransmissions)
}

// GetAcksReceived 确认数
func (s *SessionStats) GetAcksReceived() uint64 {
	return atomic.LoadUint64(&s.acksReceived)
}

// GetBytesSent 发送字节数
func (s *SessionStats) GetBytesSent() uint64 {
	return atomic.LoadUint64(&s.bytesSent)
}

// GetFramesSkipped 跳帧数
func (s *SessionStats) GetFramesSkipped() uint64 {
	return atomic.LoadUint64(&s.framesSkipped)
}

// GetFragmentsDropped 放弃的片段数
func (s *SessionStats) GetFragmentsDropped() uint64 {
	return atomic.LoadUint64(&s.fragmentsDropped)
}

// GetFragmentsReceived 接收片段数
func (s *SessionStats) GetFragmentsReceived() uint64 {
	return atomic.LoadUint64(&s.fragmentsReceived)
}

// GetFramesDelivered 交付帧数
func (s *SessionStats) GetFramesDelivered() uint64 {
	return atomic.LoadUint64(&s.framesDelivered)
}

// GetFramesPurged 清除帧数
func (s *SessionStats) GetFramesPurged() uint64 {
	return atomic.LoadUint64(&s.framesPurged)
}

// GetDuplicates 重复片段数
func (s *SessionStats) GetDuplicates() uint64 {
	return atomic.LoadUint64(&s.duplicates)
}

// GetUptimeSeconds 运行时长
func (s *SessionStats) GetUptimeSeconds() float64 {
	return time.Since(s.startTime).Seconds()
}

// Record 一条每秒统计记录
type Record struct {
	WallTime        time.Time `json:"wall_time"`
	Frames          uint64    `json:"frames"`
	FragmentsSent   uint64    `json:"fragments_sent"`
	Retransmissions uint64    `json:"retransmissions"`
	Acks            uint64    `json:"acks"`
	SRTTUS          float64   `json:"srtt_us"`
	TargetBitrate   uint32    `json:"target_bitrate"`
}

// Snapshot 结算当前累计值为一条记录
func (s *SessionStats) Snapshot() Record {
	return Record{
		WallTime:        time.Now(),
		Frames:          s.GetFramesCompressed(),
		FragmentsSent:   s.GetFragmentsSent(),
		Retransmissions: s.GetRetransmissions(),
		Acks:            s.GetAcksReceived(),
		SRTTUS:          s.GetSRTT(),
		TargetBitrate:   s.GetTargetBitrate(),
	}
}
