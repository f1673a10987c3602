// =============================================================================
// 文件: internal/protocol/fragment.go
// 描述: 压缩帧分片 - 按 MTU 切分为数据报序列
// =============================================================================
package protocol

// Fragmenter 分片器
// max_payload 在构造时由 MTU 确定, 避免进程级可变状态
type Fragmenter struct {
	maxPayload int
	tiled      bool
}

// NewFragmenter 创建分片器; MTU 超出 [512, 1500] 返回 ErrBadMTU
func NewFragmenter(mtu int, tiled bool) (*Fragmenter, error) {
	maxPayload, err := MaxPayload(mtu, tiled)
	if err != nil {
		return nil, err
	}
	return &Fragmenter{maxPayload: maxPayload, tiled: tiled}, nil
}

// MaxPayload 返回单片最大负载
func (f *Fragmenter) MaxPayload() int {
	return f.maxPayload
}

// FragmentCount 计算需要的片数; 空帧也占一片
func (f *Fragmenter) FragmentCount(frameLen int) int {
	if frameLen == 0 {
		return 1
	}
	return (frameLen + f.maxPayload - 1) / f.maxPayload
}

// Fragment 把一个压缩帧切分为数据报序列
// frag_id 严格升序, 每片携带压缩字节的连续切片; send_ts 留 0 待发送时填入
func (f *Fragmenter) Fragment(frameID uint32, frameType FrameType,
	width, height uint16, payload []byte) []*Datagram {

	fragCnt := f.FragmentCount(len(payload))
	datagrams := make([]*Datagram, 0, fragCnt)

	for i := 0; i < fragCnt; i++ {
		start := i * f.maxPayload
		end := start + f.maxPayload
		if end > len(payload) {
			end = len(payload)
		}

		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])

		datagrams = append(datagrams, &Datagram{
			FrameID:     frameID,
			FrameType:   frameType,
			Tiled:       f.tiled,
			FragID:      uint16(i),
			FragCnt:     uint16(fragCnt),
			FrameWidth:  width,
			FrameHeight: height,
			Payload:     chunk,
		})
	}

	return datagrams
}

// FragmentTile 分块变体: 同 Fragment, 额外打上 tile_id
func (f *Fragmenter) FragmentTile(frameID uint32, frameType FrameType, tileID uint16,
	width, height uint16, payload []byte) []*Datagram {

	datagrams := f.Fragment(frameID, frameType, width, height, payload)
	for _, d := range datagrams {
		d.TileID = tileID
		d.Tiled = true
	}
	return datagrams
}
