// =============================================================================
// 文件: internal/protocol/protocol_test.go
// 描述: 线上格式与分片测试
// =============================================================================
package protocol

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestDatagramEncodeDecode(t *testing.T) {
	original := &Datagram{
		FrameID:     12345,
		FrameType:   FrameTypeKey,
		FragID:      7,
		FragCnt:     16,
		FrameWidth:  1280,
		FrameHeight: 720,
		SendTS:      987654321012345,
		Payload:     []byte("compressed frame bytes"),
	}

	encoded := original.Encode()
	if len(encoded) != HeaderSize+len(original.Payload) {
		t.Errorf("编码长度不正确: got %d, want %d", len(encoded), HeaderSize+len(original.Payload))
	}

	decoded, err := ParseDatagram(encoded)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}

	if decoded.FrameID != original.FrameID {
		t.Errorf("FrameID 不匹配: got %d, want %d", decoded.FrameID, original.FrameID)
	}
	if decoded.FrameType != original.FrameType {
		t.Errorf("FrameType 不匹配: got %d, want %d", decoded.FrameType, original.FrameType)
	}
	if decoded.FragID != original.FragID {
		t.Errorf("FragID 不匹配: got %d, want %d", decoded.FragID, original.FragID)
	}
	if decoded.FragCnt != original.FragCnt {
		t.Errorf("FragCnt 不匹配: got %d, want %d", decoded.FragCnt, original.FragCnt)
	}
	if decoded.FrameWidth != original.FrameWidth {
		t.Errorf("FrameWidth 不匹配: got %d, want %d", decoded.FrameWidth, original.FrameWidth)
	}
	if decoded.FrameHeight != original.FrameHeight {
		t.Errorf("FrameHeight 不匹配: got %d, want %d", decoded.FrameHeight, original.FrameHeight)
	}
	if decoded.SendTS != original.SendTS {
		t.Errorf("SendTS 不匹配: got %d, want %d", decoded.SendTS, original.SendTS)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("Payload 不匹配: got %v, want %v", decoded.Payload, original.Payload)
	}
}

func TestTileDatagramEncodeDecode(t *testing.T) {
	original := &Datagram{
		FrameID:     99,
		FrameType:   FrameTypeNonKey,
		Tiled:       true,
		TileID:      11,
		FragID:      2,
		FragCnt:     3,
		FrameWidth:  320,
		FrameHeight: 180,
		SendTS:      42,
		Payload:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	encoded := original.Encode()
	if len(encoded) != TileHeaderSize+len(original.Payload) {
		t.Errorf("编码长度不正确: got %d, want %d", len(encoded), TileHeaderSize+len(original.Payload))
	}

	decoded, err := ParseTileDatagram(encoded)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}

	if decoded.TileID != original.TileID {
		t.Errorf("TileID 不匹配: got %d, want %d", decoded.TileID, original.TileID)
	}
	if decoded.FrameID != original.FrameID {
		t.Errorf("FrameID 不匹配: got %d, want %d", decoded.FrameID, original.FrameID)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("Payload 不匹配: got %v, want %v", decoded.Payload, original.Payload)
	}
}

// 随机字段往返
func TestDatagramRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		payload := make([]byte, rng.Intn(1452))
		rng.Read(payload)

		original := &Datagram{
			FrameID:     rng.Uint32(),
			FrameType:   FrameType(rng.Intn(3)),
			FragID:      uint16(rng.Intn(65536)),
			FragCnt:     uint16(rng.Intn(65536)),
			FrameWidth:  uint16(rng.Intn(65536)),
			FrameHeight: uint16(rng.Intn(65536)),
			SendTS:      rng.Uint64(),
			Payload:     payload,
		}

		decoded, err := ParseDatagram(original.Encode())
		if err != nil {
			t.Fatalf("第 %d 轮解码失败: %v", i, err)
		}
		if decoded.FrameID != original.FrameID || decoded.FragID != original.FragID ||
			decoded.FragCnt != original.FragCnt || decoded.SendTS != original.SendTS ||
			!bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("第 %d 轮往返不一致", i)
		}
	}
}

func TestDatagramTooShort(t *testing.T) {
	short := make([]byte, HeaderSize-1)
	if _, err := ParseDatagram(short); err == nil {
		t.Error("短数据报应该返回错误")
	}
	if _, err := ParseTileDatagram(make([]byte, TileHeaderSize-1)); err == nil {
		t.Error("短分块数据报应该返回错误")
	}
}

func TestMessageEncodeDecode(t *testing.T) {
	ack := AckMsg{FrameID: 77, FragID: 3, SendTS: 123456789}
	msg, err := ParseMessage(ack.Encode())
	if err != nil {
		t.Fatalf("解码 ACK 失败: %v", err)
	}
	if msg.Type != MsgAck || msg.Ack != ack {
		t.Errorf("ACK 不匹配: got %+v, want %+v", msg.Ack, ack)
	}

	cfg := ConfigMsg{Width: 1920, Height: 1080, FrameRate: 30, TargetBitrate: 8000}
	msg, err = ParseMessage(cfg.Encode())
	if err != nil {
		t.Fatalf("解码 CONFIG 失败: %v", err)
	}
	if msg.Type != MsgConfig || msg.Config != cfg {
		t.Errorf("CONFIG 不匹配: got %+v, want %+v", msg.Config, cfg)
	}

	re := RateEstimateMsg{TargetBitrate: 2500}
	msg, err = ParseMessage(re.Encode())
	if err != nil {
		t.Fatalf("解码 RATE_ESTIMATE 失败: %v", err)
	}
	if msg.Type != MsgRateEstimate || msg.RateEstimate != re {
		t.Errorf("RATE_ESTIMATE 不匹配: got %+v, want %+v", msg.RateEstimate, re)
	}
}

func TestMessageUnknownType(t *testing.T) {
	if _, err := ParseMessage([]byte{0xFF, 0, 0, 0, 0}); err == nil {
		t.Error("未知消息类型应该返回错误")
	}
	if _, err := ParseMessage([]byte{byte(MsgInvalid), 0, 0, 0, 0}); err == nil {
		t.Error("INVALID 类型应该返回错误")
	}
	if _, err := ParseMessage(nil); err == nil {
		t.Error("空消息应该返回错误")
	}
}

func TestFragmenterReconstitution(t *testing.T) {
	frag, err := NewFragmenter(1500, false)
	if err != nil {
		t.Fatalf("创建分片器失败: %v", err)
	}

	if frag.MaxPayload() != 1451 {
		t.Errorf("MaxPayload 不正确: got %d, want 1451", frag.MaxPayload())
	}

	// 3000 字节 -> 3 片: 1451 + 1451 + 98
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}

	datagrams := frag.Fragment(5, FrameTypeKey, 1280, 720, payload)
	if len(datagrams) != 3 {
		t.Fatalf("分片数不正确: got %d, want 3", len(datagrams))
	}

	wantLens := []int{1451, 1451, 98}
	var reassembled []byte
	for i, d := range datagrams {
		if int(d.FragID) != i {
			t.Errorf("FragID 不正确: got %d, want %d", d.FragID, i)
		}
		if int(d.FragCnt) != 3 {
			t.Errorf("FragCnt 不正确: got %d, want 3", d.FragCnt)
		}
		if len(d.Payload) != wantLens[i] {
			t.Errorf("第 %d 片负载长度不正确: got %d, want %d", i, len(d.Payload), wantLens[i])
		}
		reassembled = append(reassembled, d.Payload...)
	}

	if !bytes.Equal(reassembled, payload) {
		t.Error("按 frag_id 顺序拼接负载应该还原原始帧")
	}
}

func TestFragmenterEmptyFrame(t *testing.T) {
	frag, _ := NewFragmenter(1500, false)

	datagrams := frag.Fragment(1, FrameTypeNonKey, 640, 480, nil)
	if len(datagrams) != 1 {
		t.Fatalf("空帧应该产生 1 片: got %d", len(datagrams))
	}
	if len(datagrams[0].Payload) != 0 {
		t.Errorf("空帧的负载应该为空: got %d", len(datagrams[0].Payload))
	}
	if datagrams[0].FragCnt != 1 {
		t.Errorf("空帧的 FragCnt 应该为 1: got %d", datagrams[0].FragCnt)
	}
}

func TestFragmenterBadMTU(t *testing.T) {
	if _, err := NewFragmenter(511, false); err == nil {
		t.Error("MTU 511 应该返回错误")
	}
	if _, err := NewFragmenter(1501, false); err == nil {
		t.Error("MTU 1501 应该返回错误")
	}
	if _, err := NewFragmenter(512, false); err != nil {
		t.Errorf("MTU 512 应该合法: %v", err)
	}
}

func TestFragmenterTileVariant(t *testing.T) {
	frag, err := NewFragmenter(1500, true)
	if err != nil {
		t.Fatalf("创建分片器失败: %v", err)
	}
	if frag.MaxPayload() != 1449 {
		t.Errorf("分块变体 MaxPayload 不正确: got %d, want 1449", frag.MaxPayload())
	}

	payload := make([]byte, 2000)
	datagrams := frag.FragmentTile(3, FrameTypeKey, 9, 320, 180, payload)
	if len(datagrams) != 2 {
		t.Fatalf("分片数不正确: got %d, want 2", len(datagrams))
	}
	for _, d := range datagrams {
		if !d.Tiled || d.TileID != 9 {
			t.Errorf("分块标记不正确: tiled=%v tile_id=%d", d.Tiled, d.TileID)
		}
	}
}

// 基准测试
func BenchmarkDatagramEncode(b *testing.B) {
	d := &Datagram{
		FrameID:     1,
		FrameType:   FrameTypeKey,
		FragID:      0,
		FragCnt:     1,
		FrameWidth:  1280,
		FrameHeight: 720,
		SendTS:      123456,
		Payload:     make([]byte, 1451),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = d.Encode()
	}
}

func BenchmarkDatagramDecode(b *testing.B) {
	d := &Datagram{
		FrameID: 1, FrameType: FrameTypeKey,
		FrameWidth: 1280, FrameHeight: 720,
		Payload: make([]byte, 1451),
	}
	encoded := d.Encode()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ParseDatagram(encoded)
	}
}
