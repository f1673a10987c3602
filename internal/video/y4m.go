// =============================================================================
// 文件: internal/video/y4m.go
// 描述: YUV4MPEG2 文件读取 - 原始帧来源
// =============================================================================
package video

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// 错误定义
var (
	ErrEndOfInput = fmt.Errorf("原始视频输入已耗尽")
)

// Source 原始帧来源
// 输入耗尽时 ReadFrame 返回 ErrEndOfInput
type Source interface {
	ReadFrame(img *RawImage) error
	Close() error
}

// Sink 解码帧的显示去向
type Sink interface {
	Display(img *RawImage) error
}

// Y4MSource YUV4MPEG2 文件帧来源
type Y4MSource struct {
	f      *os.File
	r      *bufio.Reader
	width  uint16
	height uint16
}

// OpenY4M 打开 y4m 文件并校验头部尺寸
func OpenY4M(path string, width, height uint16) (*Y4MSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开视频文件失败: %w", err)
	}

	r := bufio.NewReaderSize(f, 1<<20)

	header, err := r.ReadString('\n')
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("读取 y4m 头失败: %w", err)
	}
	if !strings.HasPrefix(header, "YUV4MPEG2") {
		f.Close()
		return nil, fmt.Errorf("不是 y4m 文件: %q", strings.TrimSpace(header))
	}

	var w, h int
	for _, field := range strings.Fields(header)[1:] {
		switch field[0] {
		case 'W':
			fmt.Sscanf(field[1:], "%d", &w)
		case 'H':
			fmt.Sscanf(field[1:], "%d", &h)
		}
	}
	if w != int(width) || h != int(height) {
		f.Close()
		return nil, fmt.Errorf("y4m 尺寸 %dx%d 与期望 %dx%d 不一致", w, h, width, height)
	}

	return &Y4MSource{f: f, r: r, width: width, height: height}, nil
}

// ReadFrame 读取下一帧到 img
func (s *Y4MSource) ReadFrame(img *RawImage) error {
	if img.Width != s.width || img.Height != s.height {
		return fmt.Errorf("帧缓冲尺寸 %dx%d 与来源 %dx%d 不一致",
			img.Width, img.Height, s.width, s.height)
	}

	// 每帧以 "FRAME" 行开头
	line, err := s.r.ReadString('\n')
	if err == io.EOF {
		return ErrEndOfInput
	}
	if err != nil {
		return fmt.Errorf("读取帧头失败: %w", err)
	}
	if !strings.HasPrefix(line, "FRAME") {
		return fmt.Errorf("期望 FRAME 行, 得到 %q", strings.TrimSpace(line))
	}

	for _, plane := range [][]byte{img.Y, img.U, img.V} {
		if _, err := io.ReadFull(s.r, plane); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrEndOfInput
			}
			return fmt.Errorf("读取平面失败: %w", err)
		}
	}

	return nil
}

// Close 关闭文件
func (s *Y4MSource) Close() error {
	return s.f.Close()
}
