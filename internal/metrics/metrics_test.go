// =============================================================================
// 文件: internal/metrics/metrics_test.go
// 描述: 会话统计与 CSV 输出测试
// =============================================================================
package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSessionStatsCounters(t *testing.T) {
	s := NewSessionStats()

	s.IncFramesCompressed()
	s.IncFramesCompressed()
	s.AddFragmentsSent(3, 4500)
	s.IncRetransmissions()
	s.IncAcksReceived()
	s.SetSRTT(12345.5)
	s.SetTargetBitrate(2500)

	if s.GetFramesCompressed() != 2 {
		t.Errorf("帧数不正确: got %d, want 2", s.GetFramesCompressed())
	}
	if s.GetFragmentsSent() != 3 {
		t.Errorf("片段数不正确: got %d, want 3", s.GetFragmentsSent())
	}
	if s.GetBytesSent() != 4500 {
		t.Errorf("字节数不正确: got %d, want 4500", s.GetBytesSent())
	}
	if s.GetSRTT() != 12345.5 {
		t.Errorf("SRTT 不正确: got %f, want 12345.5", s.GetSRTT())
	}
	if s.GetTargetBitrate() != 2500 {
		t.Errorf("目标码率不正确: got %d, want 2500", s.GetTargetBitrate())
	}

	rec := s.Snapshot()
	if rec.Frames != 2 || rec.FragmentsSent != 3 || rec.Retransmissions != 1 ||
		rec.Acks != 1 || rec.TargetBitrate != 2500 {
		t.Errorf("快照不正确: %+v", rec)
	}
}

func TestStreamCollectorRegisters(t *testing.T) {
	s := NewSessionStats()
	s.IncFramesCompressed()

	registry := prometheus.NewRegistry()
	if err := registry.Register(NewStreamCollector(s)); err != nil {
		t.Fatalf("注册收集器失败: %v", err)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("采集失败: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() == "ringmaster_stream_frames_compressed_total" {
			found = true
			if mf.GetMetric()[0].GetCounter().GetValue() != 1 {
				t.Errorf("计数器值不正确: got %f, want 1",
					mf.GetMetric()[0].GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Error("未找到 frames_compressed 指标")
	}
}

func TestCSVLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")

	logger, err := NewCSVLogger(path)
	if err != nil {
		t.Fatalf("创建 CSV 失败: %v", err)
	}

	s := NewSessionStats()
	s.IncFramesCompressed()
	s.AddFragmentsSent(2, 100)
	s.SetTargetBitrate(1000)

	if err := logger.Write(s.Snapshot()); err != nil {
		t.Fatalf("写记录失败: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读文件失败: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("行数不正确: got %d, want 2", len(lines))
	}
	if !strings.HasPrefix(lines[0], "wall_time_us,frames,") {
		t.Errorf("表头不正确: %q", lines[0])
	}
	if !strings.Contains(lines[1], ",1,2,0,0,") {
		t.Errorf("记录不正确: %q", lines[1])
	}
}
