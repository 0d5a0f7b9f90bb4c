package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	streamSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_subscribers",
			Help: "Connected MJPEG subscribers per device.",
		},
		[]string{"device"},
	)
	streamFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_frames_total",
			Help: "Frames relayed from device sockets.",
		},
		[]string{"device"},
	)
	streamDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_frames_dropped_total",
			Help: "Frames dropped on slow subscriber queues.",
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(streamSubscribers)
	prometheus.MustRegister(streamFramesTotal)
	prometheus.MustRegister(streamDroppedTotal)
}
