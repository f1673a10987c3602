// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StreamCollector 流会话指标收集器
type StreamCollector struct {
	stats *SessionStats

	// 描述符
	framesCompressedDesc *prometheus.Desc
	fragmentsSentDesc    *prometheus.Desc
	retransmissionsDesc  *prometheus.Desc
	acksReceivedDesc     *prometheus.Desc
	bytesSentDesc        *prometheus.Desc
	framesSkippedDesc    *prometheus.Desc
	fragmentsDroppedDesc *prometheus.Desc

	fragmentsReceivedDesc *prometheus.Desc
	framesDeliveredDesc   *prometheus.Desc
	framesPurgedDesc      *prometheus.Desc
	duplicatesDesc        *prometheus.Desc

	srttDesc          *prometheus.Desc
	targetBitrateDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewStreamCollector 创建收集器
func NewStreamCollector(stats *SessionStats) *StreamCollector {
	namespace := "ringmaster"
	subsystem := "stream"

	return &StreamCollector{
		stats: stats,

		framesCompressedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_compressed_total"),
			"Total frames compressed by the encoder",
			nil, nil,
		),
		fragmentsSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "fragments_sent_total"),
			"Total datagram fragments sent",
			nil, nil,
		),
		retransmissionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "retransmissions_total"),
			"Total fragment retransmissions",
			nil, nil,
		),
		acksReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_received_total"),
			"Total ACK messages received",
			nil, nil,
		),
		bytesSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_sent_total"),
			"Total payload bytes sent",
			nil, nil,
		),
		framesSkippedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_skipped_total"),
			"Frames skipped due to codec failure",
			nil, nil,
		),
		fragmentsDroppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "fragments_dropped_total"),
			"Fragments abandoned by the give-up policy",
			nil, nil,
		),

		fragmentsReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "fragments_received_total"),
			"Total datagram fragments received",
			nil, nil,
		),
		framesDeliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_delivered_total"),
			"Total complete frames delivered to the decoder",
			nil, nil,
		),
		framesPurgedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "frames_purged_total"),
			"Incomplete frames purged by the stale-frame policy",
			nil, nil,
		),
		duplicatesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "duplicate_fragments_total"),
			"Duplicate fragments received",
			nil, nil,
		),

		srttDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "srtt_microseconds"),
			"Current smoothed round-trip time",
			nil, nil,
		),
		targetBitrateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "target_bitrate_kbps"),
			"Current encoder target bitrate",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "uptime_seconds"),
			"Session uptime in seconds",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector
func (c *StreamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesCompressedDesc
	ch <- c.fragmentsSentDesc
	ch <- c.retransmissionsDesc
	ch <- c.acksReceivedDesc
	ch <- c.bytesSentDesc
	ch <- c.framesSkippedDesc
	ch <- c.fragmentsDroppedDesc
	ch <- c.fragmentsReceivedDesc
	ch <- c.framesDeliveredDesc
	ch <- c.framesPurgedDesc
	ch <- c.duplicatesDesc
	ch <- c.srttDesc
	ch <- c.targetBitrateDesc
	ch <- c.uptimeDesc
}

// Collect 实现 prometheus.Collector
func (c *StreamCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.framesCompressedDesc,
		prometheus.CounterValue, float64(c.stats.GetFramesCompressed()))
	ch <- prometheus.MustNewConstMetric(c.fragmentsSentDesc,
		prometheus.CounterValue, float64(c.stats.GetFragmentsSent()))
	ch <- prometheus.MustNewConstMetric(c.retransmissionsDesc,
		prometheus.CounterValue, float64(c.stats.GetRetransmissions()))
	ch <- prometheus.MustNewConstMetric(c.acksReceivedDesc,
		prometheus.CounterValue, float64(c.stats.GetAcksReceived()))
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc,
		prometheus.CounterValue, float64(c.stats.GetBytesSent()))
	ch <- prometheus.MustNewConstMetric(c.framesSkippedDesc,
		prometheus.CounterValue, float64(c.stats.GetFramesSkipped()))
	ch <- prometheus.MustNewConstMetric(c.fragmentsDroppedDesc,
		prometheus.CounterValue, float64(c.stats.GetFragmentsDropped()))

	ch <- prometheus.MustNewConstMetric(c.fragmentsReceivedDesc,
		prometheus.CounterValue, float64(c.stats.GetFragmentsReceived()))
	ch <- prometheus.MustNewConstMetric(c.framesDeliveredDesc,
		prometheus.CounterValue, float64(c.stats.GetFramesDelivered()))
	ch <- prometheus.MustNewConstMetric(c.framesPurgedDesc,
		prometheus.CounterValue, float64(c.stats.GetFramesPurged()))
	ch <- prometheus.MustNewConstMetric(c.duplicatesDesc,
		prometheus.CounterValue, float64(c.stats.GetDuplicates()))

	ch <- prometheus.MustNewConstMetric(c.srttDesc,
		prometheus.GaugeValue, c.stats.GetSRTT())
	ch <- prometheus.MustNewConstMetric(c.targetBitrateDesc,
		prometheus.GaugeValue, float64(c.stats.GetTargetBitrate()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc,
		prometheus.GaugeValue, c.stats.GetUptimeSeconds())
}
