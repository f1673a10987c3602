// =============================================================================
// 文件: internal/transport/dedup.go
// 描述: 已见片段守卫 - 轮换布隆过滤器区分迟到重复与真正陈旧的片段
// =============================================================================
package transport

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 布隆过滤器参数
	seenExpectedItems = 100000 // 每个分代的预期片段数
	seenFalsePositive = 0.0001 // 万分之一误报率

	// 分代轮换周期 (按标记次数)
	seenGenerationMarks = 50000
)

// SeenGuard 已见片段守卫
// 两代布隆过滤器轮换: 查询同时命中两代, 写入只进当前代
// 误报只影响统计分类, 不影响协议正确性
type SeenGuard struct {
	current *bloom.BloomFilter
	prev    *bloom.BloomFilter
	marks   int

	mu sync.Mutex
}

// NewSeenGuard 创建守卫
func NewSeenGuard() *SeenGuard {
	return &SeenGuard{
		current: bloom.NewWithEstimates(seenExpectedItems, seenFalsePositive),
		prev:    bloom.NewWithEstimates(seenExpectedItems, seenFalsePositive),
	}
}

func seenKey(frameID uint32, fragID uint16) []byte {
	key := make([]byte, 6)
	binary.BigEndian.PutUint32(key[0:4], frameID)
	binary.BigEndian.PutUint16(key[4:6], fragID)
	return key
}

// Mark 标记片段已接收
func (g *SeenGuard) Mark(frameID uint32, fragID uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current.Add(seenKey(frameID, fragID))
	g.marks++

	// 轮换: 当前代写满后成为上一代, 最老的一代丢弃
	if g.marks >= seenGenerationMarks {
		g.prev = g.current
		g.current = bloom.NewWithEstimates(seenExpectedItems, seenFalsePositive)
		g.marks = 0
	}
}

// Seen 片段是否接收过
func (g *SeenGuard) Seen(frameID uint32, fragID uint16) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := seenKey(frameID, fragID)
	return g.current.Test(key) || g.prev.Test(key)
}
