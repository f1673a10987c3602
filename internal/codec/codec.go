// =============================================================================
// 文件: internal/codec/codec.go
// 描述: 视频编解码器接口 - 外部块编码库通过这里接入
// =============================================================================
package codec

import (
	"fmt"

	"github.com/Tung-I/my-ringmaster/internal/video"
)

// 错误定义
var (
	ErrCodecFailure = fmt.Errorf("编解码器失败")
)

// CompressedFrame 一次压缩的输出: 一个不透明的压缩帧
type CompressedFrame struct {
	Key  bool
	Data []byte
}

// Encoder 压缩器
// SetTargetBitrate 对下一次 CompressFrame 立即生效
type Encoder interface {
	CompressFrame(img *video.RawImage) (*CompressedFrame, error)
	SetTargetBitrate(kbps uint32)
}

// Decoder 解压器
type Decoder interface {
	DecompressFrame(data []byte) (*video.RawImage, error)
}
