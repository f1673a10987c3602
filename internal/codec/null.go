// =============================================================================
// 文件: internal/codec/null.go
// 描述: 直通编解码器 - 不依赖外部编码库的回环与测试实现
// =============================================================================
package codec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Tung-I/my-ringmaster/internal/video"
)

// 直通码流头: Width(2) + Height(2) + 有效字节长度(4)
const nullHeaderSize = 8

// NullEncoder 直通压缩器
// 输出大小由目标码率决定 (bitrate / 8 / fps), 内容取自 Y 平面前缀;
// 每 GoP 的第一帧标记为关键帧
type NullEncoder struct {
	frameRate uint16
	gopSize   uint32

	targetBitrate uint32 // kbps
	frameCount    uint32

	mu sync.Mutex
}

// NewNullEncoder 创建直通压缩器
func NewNullEncoder(frameRate uint16, gopSize uint32) *NullEncoder {
	if gopSize == 0 {
		gopSize = 16
	}
	if frameRate == 0 {
		frameRate = 30
	}
	return &NullEncoder{frameRate: frameRate, gopSize: gopSize}
}

// SetTargetBitrate 设置目标码率 (kbps), 下一次压缩生效
func (e *NullEncoder) SetTargetBitrate(kbps uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targetBitrate = kbps
}

// CompressFrame 压缩一帧
func (e *NullEncoder) CompressFrame(img *video.RawImage) (*CompressedFrame, error) {
	e.mu.Lock()
	bitrate := e.targetBitrate
	idx := e.frameCount
	e.frameCount++
	e.mu.Unlock()

	if img == nil {
		return nil, fmt.Errorf("%w: 原始帧为空", ErrCodecFailure)
	}

	// 每帧字节数 = 码率 / 8 / 帧率
	size := int(bitrate) * 1000 / 8 / int(e.frameRate)
	if size > len(img.Y) {
		size = len(img.Y)
	}

	data := make([]byte, nullHeaderSize+size)
	binary.BigEndian.PutUint16(data[0:2], img.Width)
	binary.BigEndian.PutUint16(data[2:4], img.Height)
	binary.BigEndian.PutUint32(data[4:8], uint32(size))
	copy(data[nullHeaderSize:], img.Y[:size])

	return &CompressedFrame{
		Key:  idx%e.gopSize == 0,
		Data: data,
	}, nil
}

// NullDecoder 直通解压器
type NullDecoder struct{}

// NewNullDecoder 创建直通解压器
func NewNullDecoder() *NullDecoder {
	return &NullDecoder{}
}

// DecompressFrame 还原一帧: 头部之外的字节填回 Y 平面前缀
func (d *NullDecoder) DecompressFrame(data []byte) (*video.RawImage, error) {
	if len(data) < nullHeaderSize {
		return nil, fmt.Errorf("%w: 码流太短 %d", ErrCodecFailure, len(data))
	}

	width := binary.BigEndian.Uint16(data[0:2])
	height := binary.BigEndian.Uint16(data[2:4])
	size := binary.BigEndian.Uint32(data[4:8])
	if int(size) != len(data)-nullHeaderSize {
		return nil, fmt.Errorf("%w: 长度声明 %d 与实际 %d 不符",
			ErrCodecFailure, size, len(data)-nullHeaderSize)
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: 非法尺寸 %dx%d", ErrCodecFailure, width, height)
	}

	img := video.NewRawImage(width, height)
	copy(img.Y, data[nullHeaderSize:])
	return img, nil
}
