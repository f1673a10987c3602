// =============================================================================
// 文件: internal/protocol/datagram.go
// 描述: 数据报线上格式 - 大端序编解码 (普通 / 分块两种变体)
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
)

// FrameType 帧类型
type FrameType uint8

const (
	FrameTypeUnknown FrameType = 0 // 未知
	FrameTypeKey     FrameType = 1 // 关键帧
	FrameTypeNonKey  FrameType = 2 // 非关键帧
)

// String 返回帧类型名称
func (t FrameType) String() string {
	switch t {
	case FrameTypeKey:
		return "key"
	case FrameTypeNonKey:
		return "nonkey"
	default:
		return "unknown"
	}
}

// SeqNum 片段标识 (frame_id, frag_id)
type SeqNum struct {
	FrameID uint32
	FragID  uint16
}

// 头部大小常量
const (
	// HeaderSize 普通数据报头部
	// FrameID(4) + FrameType(1) + FragID(2) + FragCnt(2) + Width(2) + Height(2) + SendTS(8) = 21
	HeaderSize = 4 + 1 + 2 + 2 + 2 + 2 + 8

	// TileHeaderSize 分块数据报头部 (FrameType 之后多一个 TileID(2)) = 23
	TileHeaderSize = HeaderSize + 2
)

// 错误定义
var (
	ErrMalformed    = fmt.Errorf("线上数据格式损坏")
	ErrInconsistent = fmt.Errorf("片段声明的 frag_cnt 与已记录值不一致")
	ErrBadMTU       = fmt.Errorf("MTU 必须在 512 到 1500 之间")
	ErrBadGeometry  = fmt.Errorf("帧尺寸无法被行列数整除")
)

// Datagram 数据报
// Tiled 标记区分普通变体与分块变体, 仅分块变体携带 TileID
type Datagram struct {
	FrameID     uint32
	FrameType   FrameType
	Tiled       bool
	TileID      uint16
	FragID      uint16
	FragCnt     uint16
	FrameWidth  uint16
	FrameHeight uint16
	SendTS      uint64 // 最后一次发送尝试的时间戳 (微秒)
	Payload     []byte

	// 发送端簿记, 不上线
	NumRTX     uint32 // 已重传次数
	LastSendTS uint64 // 最后一次发送时间
	CTime      uint64 // 片段所属帧的生成时间 (微秒), 用于放弃策略
}

// Seq 返回片段标识
func (d *Datagram) Seq() SeqNum {
	return SeqNum{FrameID: d.FrameID, FragID: d.FragID}
}

// headerSize 返回该变体的头部大小
func (d *Datagram) headerSize() int {
	if d.Tiled {
		return TileHeaderSize
	}
	return HeaderSize
}

// Encode 序列化为线上格式
func (d *Datagram) Encode() []byte {
	buf := make([]byte, d.headerSize()+len(d.Payload))

	binary.BigEndian.PutUint32(buf[0:4], d.FrameID)
	buf[4] = uint8(d.FrameType)
	off := 5
	if d.Tiled {
		binary.BigEndian.PutUint16(buf[off:], d.TileID)
		off += 2
	}
	binary.BigEndian.PutUint16(buf[off:], d.FragID)
	binary.BigEndian.PutUint16(buf[off+2:], d.FragCnt)
	binary.BigEndian.PutUint16(buf[off+4:], d.FrameWidth)
	binary.BigEndian.PutUint16(buf[off+6:], d.FrameHeight)
	binary.BigEndian.PutUint64(buf[off+8:], d.SendTS)
	copy(buf[off+16:], d.Payload)

	return buf
}

// ParseDatagram 解析普通数据报
func ParseDatagram(data []byte) (*Datagram, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: 数据报太短 %d < %d", ErrMalformed, len(data), HeaderSize)
	}
	return parseDatagram(data, false)
}

// ParseTileDatagram 解析分块数据报
func ParseTileDatagram(data []byte) (*Datagram, error) {
	if len(data) < TileHeaderSize {
		return nil, fmt.Errorf("%w: 数据报太短 %d < %d", ErrMalformed, len(data), TileHeaderSize)
	}
	return parseDatagram(data, true)
}

func parseDatagram(data []byte, tiled bool) (*Datagram, error) {
	d := &Datagram{
		FrameID:   binary.BigEndian.Uint32(data[0:4]),
		FrameType: FrameType(data[4]),
		Tiled:     tiled,
	}
	off := 5
	if tiled {
		d.TileID = binary.BigEndian.Uint16(data[off:])
		off += 2
	}
	d.FragID = binary.BigEndian.Uint16(data[off:])
	d.FragCnt = binary.BigEndian.Uint16(data[off+2:])
	d.FrameWidth = binary.BigEndian.Uint16(data[off+4:])
	d.FrameHeight = binary.BigEndian.Uint16(data[off+6:])
	d.SendTS = binary.BigEndian.Uint64(data[off+8:])

	payload := data[off+16:]
	d.Payload = make([]byte, len(payload))
	copy(d.Payload, payload)

	return d, nil
}

// MaxPayload 根据 MTU 计算单片最大负载
// MTU - 28 (IP + UDP 头) - 数据报头
func MaxPayload(mtu int, tiled bool) (int, error) {
	if mtu < 512 || mtu > 1500 {
		return 0, fmt.Errorf("%w: mtu=%d", ErrBadMTU, mtu)
	}
	if tiled {
		return mtu - 28 - TileHeaderSize, nil
	}
	return mtu - 28 - HeaderSize, nil
}
