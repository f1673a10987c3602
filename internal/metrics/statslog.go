// =============================================================================
// 文件: internal/metrics/statslog.go
// 描述: 每秒统计 CSV 输出
// =============================================================================
package metrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// CSVLogger 每秒一行的统计文件
// 列: 墙钟时间(unix 微秒), 帧数, 已发送片段, 重传, 确认, srtt 微秒, 目标码率
type CSVLogger struct {
	f *os.File
	w *csv.Writer
}

// NewCSVLogger 打开统计文件并写表头
func NewCSVLogger(path string) (*CSVLogger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("创建统计文件失败: %w", err)
	}

	w := csv.NewWriter(f)
	header := []string{"wall_time_us", "frames", "fragments_sent",
		"retransmissions", "acks", "srtt_us", "target_bitrate"}
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("写表头失败: %w", err)
	}
	w.Flush()

	return &CSVLogger{f: f, w: w}, nil
}

// Write 追加一条记录
func (l *CSVLogger) Write(r Record) error {
	row := []string{
		strconv.FormatInt(r.WallTime.UnixMicro(), 10),
		strconv.FormatUint(r.Frames, 10),
		strconv.FormatUint(r.FragmentsSent, 10),
		strconv.FormatUint(r.Retransmissions, 10),
		strconv.FormatUint(r.Acks, 10),
		strconv.FormatFloat(r.SRTTUS, 'f', 1, 64),
		strconv.FormatUint(uint64(r.TargetBitrate), 10),
	}
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Close 关闭文件
func (l *CSVLogger) Close() error {
	l.w.Flush()
	return l.f.Close()
}
