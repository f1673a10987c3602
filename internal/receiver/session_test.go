// =============================================================================
// 文件: internal/receiver/session_test.go
// 描述: 回环端到端测试 - 发送端与接收端通过 127.0.0.1 完整握手与传输
// =============================================================================
package receiver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tung-I/my-ringmaster/internal/sender"
	"github.com/Tung-I/my-ringmaster/internal/video"
)

// writeLoopbackY4M 生成测试视频文件
func writeLoopbackY4M(t *testing.T, path string, width, height, frames int) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("创建测试视频失败: %v", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "YUV4MPEG2 W%d H%d F30:1 Ip A1:1 C420\n", width, height)
	frameSize := width*height + 2*(width/2)*(height/2)
	plane := make([]byte, frameSize)
	for i := 0; i < frames; i++ {
		for j := range plane {
			plane[j] = byte(i)
		}
		fmt.Fprint(f, "FRAME\n")
		f.Write(plane)
	}
}

// freePort 找一个空闲 UDP 端口对 (port, port+1)
func freePort(t *testing.T) int {
	t.Helper()
	for port := 20000; port < 60000; port += 2 {
		c1, err1 := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err1 != nil {
			continue
		}
		c2, err2 := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
		c1.Close()
		if err2 != nil {
			continue
		}
		c2.Close()
		return port
	}
	t.Fatal("找不到空闲端口对")
	return 0
}

// 回环冒烟测试: 30fps 无丢包, 接收端收到片段并交付完整帧, 发送端收到确认
func TestLoopbackEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("跳过回环测试")
	}

	dir := t.TempDir()
	y4mPath := filepath.Join(dir, "loop.y4m")
	writeLoopbackY4M(t, y4mPath, 64, 64, 90)

	port := freePort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 发送端会话在后台等待 CONFIG
	senderReady := make(chan *sender.Session, 1)
	senderDone := make(chan error, 1)
	go func() {
		sess, err := sender.NewSession(sender.SessionConfig{
			Port:         port,
			MTU:          1500,
			GiveUpWindow: 8,
			GopSize:      16,
		}, func(width, height uint16) (video.Source, error) {
			return video.OpenY4M(y4mPath, width, height)
		})
		if err != nil {
			senderDone <- err
			return
		}
		senderReady <- sess
		senderDone <- sess.Run(ctx)
	}()

	// 等待发送端绑定端口 (绑定后本地无法再监听该端口)
	for i := 0; i < 100; i++ {
		c, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			break
		}
		c.Close()
		time.Sleep(20 * time.Millisecond)
	}

	recvSess, err := NewSession(SessionConfig{
		Host:      "127.0.0.1",
		Port:      port,
		Width:     64,
		Height:    64,
		FrameRate: 30,
		CBR:       500,
		Lazy:      LazyDecodeOnly,
		// 2 秒后干净退出
		StreamTime: 2,
	}, nil)
	if err != nil {
		t.Fatalf("建立接收会话失败: %v", err)
	}
	defer recvSess.Close()

	var senderSess *sender.Session
	select {
	case senderSess = <-senderReady:
	case err := <-senderDone:
		t.Fatalf("发送端启动失败: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("发送端握手超时")
	}
	defer senderSess.Close()

	if err := recvSess.Run(ctx); err != nil {
		t.Fatalf("接收会话失败: %v", err)
	}

	// 接收端应交付了若干完整帧
	delivered := recvSess.Stats().GetFramesDelivered()
	if delivered == 0 {
		t.Error("接收端应交付至少一帧")
	}
	received := recvSess.Stats().GetFragmentsReceived()
	if received == 0 {
		t.Error("接收端应收到片段")
	}

	cancel()
	select {
	case <-senderDone:
	case <-time.After(3 * time.Second):
	}

	// 无丢包网络下发送端收到确认
	if senderSess.Stats().GetAcksReceived() == 0 {
		t.Error("发送端应收到确认")
	}

	t.Logf("回环统计: 接收片段=%d 交付帧=%d 发送端确认=%d",
		received, delivered, senderSess.Stats().GetAcksReceived())
}
