// =============================================================================
// 文件: internal/tile/tile_test.go
// 描述: 分块编排与合并测试
// =============================================================================
package tile

import (
	"sync/atomic"
	"testing"

	"github.com/Tung-I/my-ringmaster/internal/codec"
	"github.com/Tung-I/my-ringmaster/internal/congestion"
	"github.com/Tung-I/my-ringmaster/internal/metrics"
	"github.com/Tung-I/my-ringmaster/internal/protocol"
	"github.com/Tung-I/my-ringmaster/internal/sender"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

// countingEncoder 包装直通编码器, 校验同一编码器上的压缩绝不并发
type countingEncoder struct {
	inner    *codec.NullEncoder
	inFlight int32
	overlap  *int32
	calls    int32
}

func (e *countingEncoder) CompressFrame(img *video.RawImage) (*codec.CompressedFrame, error) {
	if atomic.AddInt32(&e.inFlight, 1) > 1 {
		atomic.StoreInt32(e.overlap, 1)
	}
	defer atomic.AddInt32(&e.inFlight, -1)
	atomic.AddInt32(&e.calls, 1)
	return e.inner.CompressFrame(img)
}

func (e *countingEncoder) SetTargetBitrate(kbps uint32) {
	e.inner.SetTargetBitrate(kbps)
}

func newTileDrivers(t *testing.T, rows, cols uint16, overlap *int32) ([]*sender.Driver, []*countingEncoder) {
	t.Helper()

	n := int(rows) * int(cols)
	drivers := make([]*sender.Driver, n)
	encoders := make([]*countingEncoder, n)
	stats := metrics.NewSessionStats()

	for i := 0; i < n; i++ {
		enc := &countingEncoder{inner: codec.NewNullEncoder(30, 16), overlap: overlap}
		encoders[i] = enc
		drv, err := sender.NewDriver(enc, sender.DriverConfig{
			MTU:          1500,
			Width:        16,
			Height:       16,
			FrameRate:    30,
			GiveUpWindow: 8,
			Tiled:        true,
			TileID:       uint16(i),
		}, stats)
		if err != nil {
			t.Fatalf("创建驱动失败: %v", err)
		}
		drv.SetTargetBitrate(100)
		drivers[i] = drv
	}

	return drivers, encoders
}

func newRing(t *testing.T, frames int, width, height, rows, cols uint16) []*video.TiledImage {
	t.Helper()
	ring := make([]*video.TiledImage, frames)
	for i := range ring {
		ti, err := video.NewTiledImage(width, height, rows, cols)
		if err != nil {
			t.Fatalf("创建分块视图失败: %v", err)
		}
		for j := range ti.Frame.Y {
			ti.Frame.Y[j] = byte(i)
		}
		ring[i] = ti
	}
	return ring
}

// 4x4 扇出汇合: 一次帧节拍产出全部 16 个分块的压缩输出,
// 返回时没有编码器仍在运行, 且任一编码器上无并发压缩
func TestOrchestratorForkJoin(t *testing.T) {
	var overlap int32
	drivers, encoders := newTileDrivers(t, 4, 4, &overlap)
	ring := newRing(t, 4, 64, 64, 4, 4)

	orch, err := NewOrchestrator(4, 4, drivers, ring)
	if err != nil {
		t.Fatalf("创建编排器失败: %v", err)
	}
	defer orch.Close()

	if err := orch.EncodeNext(0); err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	// 汇合后所有发送缓冲区已有输出
	for i, drv := range drivers {
		if drv.SendBuf().Empty() {
			t.Errorf("分块 %d 的发送缓冲区为空", i)
		}
	}
	for i, enc := range encoders {
		if atomic.LoadInt32(&enc.calls) != 1 {
			t.Errorf("分块 %d 编码次数不正确: got %d, want 1", i, enc.calls)
		}
		if atomic.LoadInt32(&enc.inFlight) != 0 {
			t.Errorf("分块 %d 的编码器仍在运行", i)
		}
	}

	// 多次节拍下同一编码器绝不并发
	for tick := 0; tick < 8; tick++ {
		orch.EncodeNext(0)
	}

	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("检测到同一编码器上的并发压缩")
	}
}

func TestOrchestratorDriverCountMismatch(t *testing.T) {
	var overlap int32
	drivers, _ := newTileDrivers(t, 2, 2, &overlap)
	ring := newRing(t, 2, 64, 64, 2, 2)

	if _, err := NewOrchestrator(4, 4, drivers, ring); err == nil {
		t.Error("驱动数不符应该返回错误")
	}
}

// 编码输出经过分片后由合并器还原整帧
func TestMergerRoundTrip(t *testing.T) {
	const rows, cols = 2, 2
	var overlap int32
	drivers, _ := newTileDrivers(t, rows, cols, &overlap)
	ring := newRing(t, 2, 32, 32, rows, cols)

	orch, err := NewOrchestrator(rows, cols, drivers, ring)
	if err != nil {
		t.Fatalf("创建编排器失败: %v", err)
	}
	defer orch.Close()

	sink := &fakeTileSink{}
	merger, err := NewMerger(32, 32, rows, cols, 0, sink,
		congestion.NewDeliveryRateEstimator(), metrics.NewSessionStats(), false)
	if err != nil {
		t.Fatalf("创建合并器失败: %v", err)
	}

	// 编码一帧并把全部分块的片段送进合并器
	if err := orch.EncodeNext(0); err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	for _, drv := range drivers {
		buf := drv.SendBuf()
		for {
			d := buf.Front()
			if d == nil {
				break
			}
			buf.PopSent(1)

			// 模拟线上往返
			parsed, err := protocol.ParseTileDatagram(d.Encode())
			if err != nil {
				t.Fatalf("解析分块数据报失败: %v", err)
			}
			if err := merger.AddDatagram(parsed); err != nil {
				t.Fatalf("合并器插入失败: %v", err)
			}
		}
	}

	if merger.Merged() != 1 {
		t.Fatalf("应合并交付 1 帧: got %d", merger.Merged())
	}
	if len(sink.displayed) != 1 {
		t.Fatalf("应显示 1 帧: got %d", len(sink.displayed))
	}
	if sink.displayed[0].Width != 32 || sink.displayed[0].Height != 32 {
		t.Errorf("显示帧尺寸不正确: %dx%d",
			sink.displayed[0].Width, sink.displayed[0].Height)
	}
}

// 未集齐的帧不可显示
func TestMergerIncompleteNotDisplayable(t *testing.T) {
	const rows, cols = 2, 2
	var overlap int32
	drivers, _ := newTileDrivers(t, rows, cols, &overlap)
	ring := newRing(t, 2, 32, 32, rows, cols)

	orch, err := NewOrchestrator(rows, cols, drivers, ring)
	if err != nil {
		t.Fatalf("创建编排器失败: %v", err)
	}
	defer orch.Close()

	sink := &fakeTileSink{}
	merger, _ := NewMerger(32, 32, rows, cols, 0, sink,
		congestion.NewDeliveryRateEstimator(), metrics.NewSessionStats(), false)

	orch.EncodeNext(0)

	// 只送前 3 个分块 (跳过最后一个)
	for i, drv := range drivers {
		if i == len(drivers)-1 {
			break
		}
		buf := drv.SendBuf()
		for {
			d := buf.Front()
			if d == nil {
				break
			}
			buf.PopSent(1)
			parsed, _ := protocol.ParseTileDatagram(d.Encode())
			merger.AddDatagram(parsed)
		}
	}

	if merger.FrameDisplayable(0) {
		t.Error("缺分块的帧不应可显示")
	}
	if len(sink.displayed) != 0 {
		t.Errorf("缺分块的帧不应显示: got %d", len(sink.displayed))
	}
}

type fakeTileSink struct {
	displayed []*video.RawImage
}

func (s *fakeTileSink) Display(img *video.RawImage) error {
	cp := video.NewRawImage(img.Width, img.Height)
	cp.CopyFrom(img)
	s.displayed = append(s.displayed, cp)
	return nil
}
