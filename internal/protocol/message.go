// =============================================================================
// 文件: internal/protocol/message.go
// 描述: 控制消息线上格式 - ACK / CONFIG / RATE_ESTIMATE
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MsgType 消息类型标签
type MsgType uint8

const (
	MsgInvalid      MsgType = 0
	MsgAck          MsgType = 1
	MsgConfig       MsgType = 2
	MsgRateEstimate MsgType = 3
)

// 序列化后大小
const (
	ackMsgSize          = 1 + 4 + 2 + 8
	configMsgSize       = 1 + 2 + 2 + 2 + 4
	rateEstimateMsgSize = 1 + 4
)

// AckMsg 片段确认, 回显发送端打在片段上的 send_ts 以便测量 RTT
type AckMsg struct {
	FrameID uint32
	FragID  uint16
	SendTS  uint64
}

// ConfigMsg 会话配置, 由接收端发送一次以建立会话
type ConfigMsg struct {
	Width         uint16
	Height        uint16
	FrameRate     uint16
	TargetBitrate uint32
}

// RateEstimateMsg 远端码率估计, 周期性反馈以调整编码器目标码率
type RateEstimateMsg struct {
	TargetBitrate uint32
}

// Message 消息的带标签联合; Type 决定哪个字段有效
type Message struct {
	Type         MsgType
	Ack          AckMsg
	Config       ConfigMsg
	RateEstimate RateEstimateMsg
}

// AckFor 为一个数据报构造 ACK
func AckFor(d *Datagram) AckMsg {
	return AckMsg{FrameID: d.FrameID, FragID: d.FragID, SendTS: d.SendTS}
}

// Encode 序列化 ACK
func (m AckMsg) Encode() []byte {
	buf := make([]byte, ackMsgSize)
	buf[0] = uint8(MsgAck)
	binary.BigEndian.PutUint32(buf[1:5], m.FrameID)
	binary.BigEndian.PutUint16(buf[5:7], m.FragID)
	binary.BigEndian.PutUint64(buf[7:15], m.SendTS)
	return buf
}

// Encode 序列化 CONFIG
func (m ConfigMsg) Encode() []byte {
	buf := make([]byte, configMsgSize)
	buf[0] = uint8(MsgConfig)
	binary.BigEndian.PutUint16(buf[1:3], m.Width)
	binary.BigEndian.PutUint16(buf[3:5], m.Height)
	binary.BigEndian.PutUint16(buf[5:7], m.FrameRate)
	binary.BigEndian.PutUint32(buf[7:11], m.TargetBitrate)
	return buf
}

// Encode 序列化 RATE_ESTIMATE
func (m RateEstimateMsg) Encode() []byte {
	buf := make([]byte, rateEstimateMsgSize)
	buf[0] = uint8(MsgRateEstimate)
	binary.BigEndian.PutUint32(buf[1:5], m.TargetBitrate)
	return buf
}

// ParseMessage 解析消息; 未知标签或长度不足返回 ErrMalformed
func ParseMessage(data []byte) (Message, error) {
	if len(data) < 1 {
		return Message{}, fmt.Errorf("%w: 空消息", ErrMalformed)
	}

	switch MsgType(data[0]) {
	case MsgAck:
		if len(data) < ackMsgSize {
			return Message{}, fmt.Errorf("%w: ACK 太短 %d", ErrMalformed, len(data))
		}
		return Message{
			Type: MsgAck,
			Ack: AckMsg{
				FrameID: binary.BigEndian.Uint32(data[1:5]),
				FragID:  binary.BigEndian.Uint16(data[5:7]),
				SendTS:  binary.BigEndian.Uint64(data[7:15]),
			},
		}, nil

	case MsgConfig:
		if len(data) < configMsgSize {
			return Message{}, fmt.Errorf("%w: CONFIG 太短 %d", ErrMalformed, len(data))
		}
		return Message{
			Type: MsgConfig,
			Config: ConfigMsg{
				Width:         binary.BigEndian.Uint16(data[1:3]),
				Height:        binary.BigEndian.Uint16(data[3:5]),
				FrameRate:     binary.BigEndian.Uint16(data[5:7]),
				TargetBitrate: binary.BigEndian.Uint32(data[7:11]),
			},
		}, nil

	case MsgRateEstimate:
		if len(data) < rateEstimateMsgSize {
			return Message{}, fmt.Errorf("%w: RATE_ESTIMATE 太短 %d", ErrMalformed, len(data))
		}
		return Message{
			Type: MsgRateEstimate,
			RateEstimate: RateEstimateMsg{
				TargetBitrate: binary.BigEndian.Uint32(data[1:5]),
			},
		}, nil

	default:
		return Message{}, fmt.Errorf("%w: 未知消息类型 0x%02X", ErrMalformed, data[0])
	}
}
