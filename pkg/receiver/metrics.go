package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type receiverMetrics struct {
	pktsReceived prometheus.Counter
	bytesRecvd   prometheus.Counter
	seqGaps      prometheus.Counter
	shortPkts    prometheus.Counter
	reordered    prometheus.Counter
	syncReqs     prometheus.Counter
}

func newReceiverMetrics(reg prometheus.Registerer) *receiverMetrics {
	f := promauto.With(reg)
	return &receiverMetrics{
		pktsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "udpprobe_server_pkts_received",
			Help: "The total number of data packets received",
		}),
		bytesRecvd: f.NewCounter(prometheus.CounterOpts{
			Name: "udpprobe_server_bytes_received",
			Help: "The total number of data bytes received",
		}),
		seqGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "udpprobe_server_sequence_gaps",
			Help: "The total number of sequence numbers skipped on arrival",
		}),
		shortPkts: f.NewCounter(prometheus.CounterOpts{
			Name: "udpprobe_server_short_pkts",
			Help: "The total number of datagrams shorter than the data header",
		}),
		reordered: f.NewCounter(prometheus.CounterOpts{
			Name: "udpprobe_server_reordered_pkts",
			Help: "The total number of out-of-order or duplicate arrivals",
		}),
		syncReqs: f.NewCounter(prometheus.CounterOpts{
			Name: "udpprobe_server_sync_requests",
			Help: "The total number of clock synchronization requests answered",
		}),
	}
}
