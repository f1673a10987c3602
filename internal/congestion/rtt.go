// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: RTT 测量与重传超时 - 指数加权平均 (EWMA)
// =============================================================================
package congestion

import (
	"sync"
)

const (
	// RTT 常量
	rttAlpha      = 0.125 // SRTT 平滑因子 (1/8)
	rtoMultiplier = 2.0   // RTO = srtt * 倍数
	rtoFloorUS    = 4000  // RTO 下限 4ms (微秒)
)

// RTTEstimator RTT 估算器
// 所有时间单位为微秒
type RTTEstimator struct {
	smoothedRTT float64 // 平滑 RTT (SRTT)
	minRTT      uint64  // 最小 RTT
	latestRTT   uint64  // 最新样本

	totalSamples uint64
	initialized  bool

	mu sync.RWMutex
}

// NewRTTEstimator 创建 RTT 估算器
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{}
}

// Update 喂入一个 RTT 样本 (微秒)
// 首个样本直接初始化; 之后 SRTT = (1-α)·SRTT + α·样本
func (r *RTTEstimator) Update(sampleUS uint64) {
	if sampleUS == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.latestRTT = sampleUS
	r.totalSamples++

	if !r.initialized {
		r.smoothedRTT = float64(sampleUS)
		r.minRTT = sampleUS
		r.initialized = true
		return
	}

	r.smoothedRTT = (1-rttAlpha)*r.smoothedRTT + rttAlpha*float64(sampleUS)
	if sampleUS < r.minRTT {
		r.minRTT = sampleUS
	}
}

// SmoothedRTT 获取平滑 RTT (微秒); 未初始化返回 0
func (r *RTTEstimator) SmoothedRTT() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothedRTT
}

// MinRTT 获取最小 RTT (微秒)
func (r *RTTEstimator) MinRTT() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minRTT
}

// LatestRTT 获取最新样本
func (r *RTTEstimator) LatestRTT() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRTT
}

// RTO 重传超时 (微秒): max(srtt * 2, 4ms)
// 未初始化 (尚无样本) 时直接返回下限 4ms
func (r *RTTEstimator) RTO() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return rtoFloorUS
	}

	rto := uint64(r.smoothedRTT * rtoMultiplier)
	if rto < rtoFloorUS {
		rto = rtoFloorUS
	}
	return rto
}

// IsInitialized 是否已有样本
func (r *RTTEstimator) IsInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// SampleCount 样本总数
func (r *RTTEstimator) SampleCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalSamples
}

// Reset 重置
func (r *RTTEstimator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.smoothedRTT = 0
	r.minRTT = 0
	r.latestRTT = 0
	r.totalSamples = 0
	r.initialized = false
}

// GetStats 获取统计
func (r *RTTEstimator) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"srtt_us":       r.smoothedRTT,
		"min_rtt_us":    r.minRTT,
		"latest_rtt_us": r.latestRTT,
		"total_samples": r.totalSamples,
		"initialized":   r.initialized,
	}
}
