// =============================================================================
// 文件: internal/congestion/bandwidth.go
// 描述: 接收端交付速率估算 - 产生远端码率估计的测量来源
// =============================================================================
package congestion

import (
	"sync"
	"time"
)

const (
	bandwidthWindowSize = 10               // 采样窗口大小
	bandwidthWindowTime = 10 * time.Second // 采样有效期
)

// DeliveryRateEstimator 交付速率估算器
// 接收端按时间窗统计完整交付的帧字节, 估算可持续的目标码率
type DeliveryRateEstimator struct {
	samples []rateSample

	deliveredBytes int64
	lastDelivered  int64
	lastSampleAt   time.Time

	sampleCount uint64

	mu sync.RWMutex
}

type rateSample struct {
	kbps      float64
	timestamp time.Time
}

// NewDeliveryRateEstimator 创建估算器
func NewDeliveryRateEstimator() *DeliveryRateEstimator {
	return &DeliveryRateEstimator{
		samples: make([]rateSample, 0, bandwidthWindowSize),
	}
}

// OnFrameDelivered 一个完整帧交付时调用
func (e *DeliveryRateEstimator) OnFrameDelivered(frameBytes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveredBytes += int64(frameBytes)
}

// Sample 结算一个速率样本; 由周期定时器调用
func (e *DeliveryRateEstimator) Sample() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.lastSampleAt.IsZero() {
		e.lastSampleAt = now
		e.lastDelivered = e.deliveredBytes
		return
	}

	elapsed := now.Sub(e.lastSampleAt)
	if elapsed <= 0 {
		return
	}

	bytesDelta := e.deliveredBytes - e.lastDelivered
	kbps := float64(bytesDelta) * 8 / 1000 / elapsed.Seconds()

	e.samples = append(e.samples, rateSample{kbps: kbps, timestamp: now})
	if len(e.samples) > bandwidthWindowSize {
		e.samples = e.samples[1:]
	}

	e.lastDelivered = e.deliveredBytes
	e.lastSampleAt = now
	e.sampleCount++
}

// RateKbps 当前估计 (kbps): 窗口内样本的最大值
// 无有效样本返回 0, 调用方回退到阶梯码率
func (e *DeliveryRateEstimator) RateKbps() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := time.Now()
	var maxKbps float64
	for _, s := range e.samples {
		if now.Sub(s.timestamp) > bandwidthWindowTime {
			continue
		}
		if s.kbps > maxKbps {
			maxKbps = s.kbps
		}
	}
	return uint32(maxKbps)
}

// GetStats 获取统计
func (e *DeliveryRateEstimator) GetStats() map[string]interface{} {
	rate := e.RateKbps()

	e.mu.RLock()
	defer e.mu.RUnlock()

	return map[string]interface{}{
		"delivered_bytes": e.deliveredBytes,
		"sample_count":    e.sampleCount,
		"rate_kbps":       rate,
	}
}
