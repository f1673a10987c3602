// =============================================================================
// 文件: internal/congestion/rtt_test.go
// 描述: RTT 估算器测试
// =============================================================================
package congestion

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestRTTFirstSample(t *testing.T) {
	r := NewRTTEstimator()

	if r.IsInitialized() {
		t.Error("初始状态不应已初始化")
	}

	r.Update(10000)
	if !r.IsInitialized() {
		t.Fatal("首个样本后应已初始化")
	}
	if r.SmoothedRTT() != 10000 {
		t.Errorf("首个样本应直接初始化 SRTT: got %f, want 10000", r.SmoothedRTT())
	}
	if r.MinRTT() != 10000 {
		t.Errorf("MinRTT 不正确: got %d, want 10000", r.MinRTT())
	}
}

func TestRTTEWMA(t *testing.T) {
	r := NewRTTEstimator()

	r.Update(10000)
	r.Update(20000)

	// SRTT = 0.875 * 10000 + 0.125 * 20000 = 11250
	if math.Abs(r.SmoothedRTT()-11250) > 1e-6 {
		t.Errorf("EWMA 不正确: got %f, want 11250", r.SmoothedRTT())
	}
	if r.MinRTT() != 10000 {
		t.Errorf("MinRTT 不应增大: got %d, want 10000", r.MinRTT())
	}

	r.Update(5000)
	if r.MinRTT() != 5000 {
		t.Errorf("MinRTT 应跟踪最小值: got %d, want 5000", r.MinRTT())
	}
}

// EWMA 收敛性: 独立同分布样本下 SRTT 趋近均值
func TestRTTConvergence(t *testing.T) {
	r := NewRTTEstimator()
	rng := rand.New(rand.NewSource(7))

	const mean = 50000.0
	for i := 0; i < 2000; i++ {
		sample := mean + (rng.Float64()-0.5)*20000 // 均匀噪声 ±10ms
		r.Update(uint64(sample))
	}

	if math.Abs(r.SmoothedRTT()-mean) > 5000 {
		t.Errorf("SRTT 未收敛到均值附近: got %f, want ~%f", r.SmoothedRTT(), mean)
	}
}

// 确定样本序列的 EWMA 参考值 (乱序 ACK 场景的参考计算)
func TestRTTSequenceMatchesReference(t *testing.T) {
	r := NewRTTEstimator()

	samples := []uint64{30000, 28000, 26000, 24000, 22000, 20000, 18000, 16000, 14000, 12000}

	var want float64
	for i, s := range samples {
		r.Update(s)
		if i == 0 {
			want = float64(s)
		} else {
			want = 0.875*want + 0.125*float64(s)
		}
	}

	if math.Abs(r.SmoothedRTT()-want) > 1e-6 {
		t.Errorf("SRTT 与参考计算不一致: got %f, want %f", r.SmoothedRTT(), want)
	}
	if r.SampleCount() != 10 {
		t.Errorf("样本数不正确: got %d, want 10", r.SampleCount())
	}
}

func TestRTO(t *testing.T) {
	r := NewRTTEstimator()

	// 未初始化: 下限
	if r.RTO() != 4000 {
		t.Errorf("未初始化 RTO 应为下限: got %d, want 4000", r.RTO())
	}

	// srtt=1ms -> 2ms < 下限 4ms
	r.Update(1000)
	if r.RTO() != 4000 {
		t.Errorf("RTO 应受下限保护: got %d, want 4000", r.RTO())
	}

	// srtt=50ms -> RTO=100ms
	r.Reset()
	r.Update(50000)
	if r.RTO() != 100000 {
		t.Errorf("RTO 不正确: got %d, want 100000", r.RTO())
	}
}

func TestRTTZeroSampleIgnored(t *testing.T) {
	r := NewRTTEstimator()
	r.Update(0)
	if r.IsInitialized() {
		t.Error("零样本应该被忽略")
	}
}

func TestDeliveryRateEstimator(t *testing.T) {
	e := NewDeliveryRateEstimator()

	if e.RateKbps() != 0 {
		t.Errorf("无样本时速率应为 0: got %d", e.RateKbps())
	}

	e.Sample() // 建立基线
	e.OnFrameDelivered(125000)
	time.Sleep(10 * time.Millisecond)
	e.Sample()

	// 交付了 125000 字节 = 1000 kbit; 速率取决于耗时, 只验证非零
	if e.RateKbps() == 0 {
		t.Error("交付后速率应为非零")
	}
}
