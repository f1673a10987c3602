// =============================================================================
// 文件: internal/transport/send_buffer_test.go
// 描述: 发送缓冲区与未确认集合测试
// =============================================================================
package transport

import (
	"testing"

	"github.com/Tung-I/my-ringmaster/internal/protocol"
)

func makeDatagrams(t *testing.T, frameID uint32, payloadLen int) []*protocol.Datagram {
	t.Helper()
	frag, err := protocol.NewFragmenter(1500, false)
	if err != nil {
		t.Fatalf("创建分片器失败: %v", err)
	}
	payload := make([]byte, payloadLen)
	return frag.Fragment(frameID, protocol.FrameTypeKey, 1280, 720, payload)
}

func TestSendBufferUnackedInvariant(t *testing.T) {
	buf := NewSendBuffer()
	datagrams := makeDatagrams(t, 0, 3000) // 3 片

	buf.EnqueueNew(datagrams, 1000)
	if buf.Len() != 3 {
		t.Fatalf("队列长度不正确: got %d, want 3", buf.Len())
	}

	// 未发送的片段不在 unacked 中
	for _, d := range datagrams {
		if buf.UnackedContains(d.Seq()) {
			t.Errorf("未发送片段不应在 unacked 中: %+v", d.Seq())
		}
	}

	// 发送全部片段
	ts := uint64(2000)
	for buf.Front() != nil {
		buf.PopSent(ts)
		ts += 10
	}

	// 已发送未确认的片段都在 unacked 中
	if buf.UnackedCount() != 3 {
		t.Fatalf("unacked 数量不正确: got %d, want 3", buf.UnackedCount())
	}
	for _, d := range datagrams {
		if !buf.UnackedContains(d.Seq()) {
			t.Errorf("已发送片段应在 unacked 中: %+v", d.Seq())
		}
	}

	// 确认后移除
	acked, ok := buf.Ack(protocol.SeqNum{FrameID: 0, FragID: 1})
	if !ok || acked == nil {
		t.Fatal("确认应该成功")
	}
	if buf.UnackedContains(protocol.SeqNum{FrameID: 0, FragID: 1}) {
		t.Error("确认后片段不应在 unacked 中")
	}
	if buf.UnackedCount() != 2 {
		t.Errorf("unacked 数量不正确: got %d, want 2", buf.UnackedCount())
	}
}

func TestSendBufferAckUnknownIgnored(t *testing.T) {
	buf := NewSendBuffer()

	if _, ok := buf.Ack(protocol.SeqNum{FrameID: 42, FragID: 0}); ok {
		t.Error("未知键的确认应该被忽略")
	}

	// 重复确认
	datagrams := makeDatagrams(t, 1, 100)
	buf.EnqueueNew(datagrams, 0)
	buf.PopSent(100)

	seq := datagrams[0].Seq()
	if _, ok := buf.Ack(seq); !ok {
		t.Fatal("首次确认应该成功")
	}
	if _, ok := buf.Ack(seq); ok {
		t.Error("重复确认应该被忽略")
	}
}

func TestSendBufferRetransmit(t *testing.T) {
	buf := NewSendBuffer()
	datagrams := makeDatagrams(t, 0, 100) // 1 片
	buf.EnqueueNew(datagrams, 0)
	buf.PopSent(1000)

	d := datagrams[0]

	// RTO 内不超时
	if expired := buf.ScanRetransmit(1000+4000-1, 4000); len(expired) != 0 {
		t.Errorf("RTO 内不应有超时片段: got %d", len(expired))
	}

	// 超时后被扫出
	expired := buf.ScanRetransmit(1000+4000, 4000)
	if len(expired) != 1 {
		t.Fatalf("应该有 1 个超时片段: got %d", len(expired))
	}

	buf.EnqueueRetransmit(expired[0])
	if d.NumRTX != 1 {
		t.Errorf("NumRTX 不正确: got %d, want 1", d.NumRTX)
	}
	if buf.Len() != 1 {
		t.Errorf("重传片段应回到队列: got %d", buf.Len())
	}
	// unacked 原条目保持
	if !buf.UnackedContains(d.Seq()) {
		t.Error("重传期间 unacked 条目应保持")
	}

	// 重传发送后不重复插入
	buf.PopSent(6000)
	if buf.UnackedCount() != 1 {
		t.Errorf("unacked 数量不正确: got %d, want 1", buf.UnackedCount())
	}
	if d.LastSendTS != 6000 {
		t.Errorf("LastSendTS 未更新: got %d, want 6000", d.LastSendTS)
	}
}

func TestSendBufferDropStale(t *testing.T) {
	buf := NewSendBuffer()

	old := makeDatagrams(t, 0, 3000)
	fresh := makeDatagrams(t, 1, 100)
	buf.EnqueueNew(old, 1000)
	buf.EnqueueNew(fresh, 90000)

	// 发送 old 的第一片, 其余留在队列
	buf.PopSent(1500)

	dropped := buf.DropStale(50000)
	if dropped != 3 {
		t.Errorf("应该丢弃 3 个片段 (队列 2 + unacked 1): got %d", dropped)
	}
	if buf.UnackedCount() != 0 {
		t.Errorf("陈旧帧的 unacked 条目应被清除: got %d", buf.UnackedCount())
	}
	if buf.Len() != 1 {
		t.Errorf("新帧片段应保留: got %d", buf.Len())
	}

	// 放弃后的迟到确认被忽略
	if _, ok := buf.Ack(old[0].Seq()); ok {
		t.Error("已放弃片段的确认应该被忽略")
	}
}
