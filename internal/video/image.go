// =============================================================================
// 文件: internal/video/image.go
// 描述: 平面 YUV 4:2:0 原始帧与分块视图
// =============================================================================
package video

import (
	"fmt"

	"github.com/Tung-I/my-ringmaster/internal/protocol"
)

// RawImage 平面 YUV 4:2:0 原始帧
// Y 平面 W*H, U/V 平面各 (W/2)*(H/2)
type RawImage struct {
	Width  uint16
	Height uint16
	Y      []byte
	U      []byte
	V      []byte
}

// NewRawImage 分配一帧
func NewRawImage(width, height uint16) *RawImage {
	w, h := int(width), int(height)
	return &RawImage{
		Width:  width,
		Height: height,
		Y:      make([]byte, w*h),
		U:      make([]byte, (w/2)*(h/2)),
		V:      make([]byte, (w/2)*(h/2)),
	}
}

// FrameSize 一帧的总字节数
func (img *RawImage) FrameSize() int {
	return len(img.Y) + len(img.U) + len(img.V)
}

// CopyFrom 从另一帧复制像素 (尺寸必须一致)
func (img *RawImage) CopyFrom(src *RawImage) error {
	if img.Width != src.Width || img.Height != src.Height {
		return fmt.Errorf("帧尺寸不一致: %dx%d vs %dx%d",
			img.Width, img.Height, src.Width, src.Height)
	}
	copy(img.Y, src.Y)
	copy(img.U, src.U)
	copy(img.V, src.V)
	return nil
}

// TiledImage 分块视图: 一帧按 R 行 C 列切分
// 块尺寸必须整除帧尺寸 (色度子采样要求块尺寸为偶数)
type TiledImage struct {
	Frame *RawImage
	Rows  uint16
	Cols  uint16

	tileWidth  uint16
	tileHeight uint16
	tiles      []*RawImage // 行优先, tiles[r*Cols+c]
}

// NewTiledImage 创建分块视图; 无法整除返回 ErrBadGeometry
func NewTiledImage(width, height, rows, cols uint16) (*TiledImage, error) {
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%w: rows=%d cols=%d", protocol.ErrBadGeometry, rows, cols)
	}
	if width%cols != 0 || height%rows != 0 {
		return nil, fmt.Errorf("%w: %dx%d 无法按 %dx%d 切分",
			protocol.ErrBadGeometry, width, height, rows, cols)
	}

	tw := width / cols
	th := height / rows
	if tw%2 != 0 || th%2 != 0 {
		return nil, fmt.Errorf("%w: 块尺寸 %dx%d 必须为偶数", protocol.ErrBadGeometry, tw, th)
	}

	ti := &TiledImage{
		Frame:      NewRawImage(width, height),
		Rows:       rows,
		Cols:       cols,
		tileWidth:  tw,
		tileHeight: th,
		tiles:      make([]*RawImage, int(rows)*int(cols)),
	}
	for i := range ti.tiles {
		ti.tiles[i] = NewRawImage(tw, th)
	}
	return ti, nil
}

// TileWidth 块宽
func (ti *TiledImage) TileWidth() uint16 { return ti.tileWidth }

// TileHeight 块高
func (ti *TiledImage) TileHeight() uint16 { return ti.tileHeight }

// Tile 获取 (row, col) 处的块缓冲
func (ti *TiledImage) Tile(row, col uint16) *RawImage {
	return ti.tiles[int(row)*int(ti.Cols)+int(col)]
}

// copyPlane 在整帧平面与块平面之间复制一个矩形区域
func copyPlane(frame, tile []byte, frameStride, tileStride, x0, y0, rows int, toTile bool) {
	for r := 0; r < rows; r++ {
		frameOff := (y0+r)*frameStride + x0
		tileOff := r * tileStride
		if toTile {
			copy(tile[tileOff:tileOff+tileStride], frame[frameOff:frameOff+tileStride])
		} else {
			copy(frame[frameOff:frameOff+tileStride], tile[tileOff:tileOff+tileStride])
		}
	}
}

// PartitionTile 把整帧中 (row, col) 的区域复制进对应块缓冲
// 每块的复制相互独立, 可由各自的工作协程并行执行
func (ti *TiledImage) PartitionTile(row, col uint16) *RawImage {
	tile := ti.Tile(row, col)
	tw, th := int(ti.tileWidth), int(ti.tileHeight)
	fw := int(ti.Frame.Width)
	x0, y0 := int(col)*tw, int(row)*th

	copyPlane(ti.Frame.Y, tile.Y, fw, tw, x0, y0, th, true)
	copyPlane(ti.Frame.U, tile.U, fw/2, tw/2, x0/2, y0/2, th/2, true)
	copyPlane(ti.Frame.V, tile.V, fw/2, tw/2, x0/2, y0/2, th/2, true)

	return tile
}

// PlaceTile 分块布局的逆操作: 把解码出的块写回整帧
func (ti *TiledImage) PlaceTile(row, col uint16, tile *RawImage) error {
	if tile.Width != ti.tileWidth || tile.Height != ti.tileHeight {
		return fmt.Errorf("%w: 块尺寸 %dx%d, 期望 %dx%d",
			protocol.ErrBadGeometry, tile.Width, tile.Height, ti.tileWidth, ti.tileHeight)
	}

	tw, th := int(ti.tileWidth), int(ti.tileHeight)
	fw := int(ti.Frame.Width)
	x0, y0 := int(col)*tw, int(row)*th

	copyPlane(ti.Frame.Y, tile.Y, fw, tw, x0, y0, th, false)
	copyPlane(ti.Frame.U, tile.U, fw/2, tw/2, x0/2, y0/2, th/2, false)
	copyPlane(ti.Frame.V, tile.V, fw/2, tw/2, x0/2, y0/2, th/2, false)

	return nil
}
