// =============================================================================
// 文件: internal/tile/orchestrator.go
// 描述: 分块编排 - 常驻工作协程池, 每帧 R*C 扇出后汇合
// =============================================================================
package tile

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Tung-I/my-ringmaster/internal/sender"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

// encodeJob 一次分块编码任务
type encodeJob struct {
	img *video.TiledImage
	wg  *sync.WaitGroup
}

// Orchestrator 发送端分块编排器
// 每个工作协程常驻并独占一个分块编码器: 同一编码器上的压缩绝不并发;
// 每帧节拍向全部工作协程扇出, 汇合后才激活写兴趣
type Orchestrator struct {
	rows uint16
	cols uint16

	drivers []*sender.Driver

	// 原始帧环形缓冲, 启动时预填充
	ring     []*video.TiledImage
	frameIdx int

	jobs    []chan encodeJob
	eg      *errgroup.Group
	closing chan struct{}

	mu sync.Mutex
}

// NewOrchestrator 创建编排器并启动工作协程池
// drivers 按行优先排列, 长度必须等于 rows*cols
func NewOrchestrator(rows, cols uint16, drivers []*sender.Driver,
	ring []*video.TiledImage) (*Orchestrator, error) {

	n := int(rows) * int(cols)
	if len(drivers) != n {
		return nil, fmt.Errorf("驱动数 %d 与分块数 %d 不符", len(drivers), n)
	}
	if len(ring) == 0 {
		return nil, fmt.Errorf("环形缓冲不能为空")
	}

	o := &Orchestrator{
		rows:    rows,
		cols:    cols,
		drivers: drivers,
		ring:    ring,
		jobs:    make([]chan encodeJob, n),
		eg:      new(errgroup.Group),
		closing: make(chan struct{}),
	}

	for i := 0; i < n; i++ {
		idx := i
		o.jobs[idx] = make(chan encodeJob, 1)
		o.eg.Go(func() error {
			return o.worker(idx)
		})
	}

	return o, nil
}

// worker 常驻工作协程: 切出自己的分块并压缩
func (o *Orchestrator) worker(idx int) error {
	row := uint16(idx) / o.cols
	col := uint16(idx) % o.cols

	for {
		select {
		case <-o.closing:
			return nil
		case job := <-o.jobs[idx]:
			tile := job.img.PartitionTile(row, col)
			err := o.drivers[idx].CompressFrame(tile)
			job.wg.Done()
			if err != nil {
				return err
			}
		}
	}
}

// EncodeNext 编码环形缓冲中的下一帧
// 扇出 R*C 个任务并等待全部完成后返回; 返回时所有分块的压缩输出已入队
func (o *Orchestrator) EncodeNext(skip int) error {
	o.mu.Lock()
	o.frameIdx = (o.frameIdx + 1 + skip) % len(o.ring)
	img := o.ring[o.frameIdx]
	o.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(o.jobs))
	for _, ch := range o.jobs {
		ch <- encodeJob{img: img, wg: &wg}
	}
	wg.Wait()

	return nil
}

// Drivers 按行优先返回全部分块驱动
func (o *Orchestrator) Drivers() []*sender.Driver {
	return o.drivers
}

// SetTargetBitrate 对全部分块编码器重定向码率
func (o *Orchestrator) SetTargetBitrate(kbps uint32) {
	for _, drv := range o.drivers {
		drv.SetTargetBitrate(kbps)
	}
}

// Close 停止工作协程池并等待退出
func (o *Orchestrator) Close() error {
	close(o.closing)
	return o.eg.Wait()
}
