// Package metrics exposes engine counters to Prometheus. Collectors are
// registered on the default registry and served at /metrics by the REST
// frontend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PostsTotal counts accepted work requests.
	PostsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ethrdma_posts_total",
		Help: "Total number of work requests accepted by post",
	})

	// CompletionsTotal counts polled completions by status.
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ethrdma_completions_total",
		Help: "Total number of polled completions",
	}, []string{"status"})

	// FramesTxTotal counts transmitted frames by packet opcode.
	FramesTxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ethrdma_frames_tx_total",
		Help: "Total number of transmitted RDMA frames",
	}, []string{"opcode"})

	// FramesRxTotal counts received frames by disposition.
	FramesRxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ethrdma_frames_rx_total",
		Help: "Total number of received RDMA frames",
	}, []string{"result"})

	// AcksMatchedTotal counts ACKs that completed a pending write.
	AcksMatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ethrdma_acks_matched_total",
		Help: "Total number of ACKs matched against a pending work request",
	})
)
