package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var TransferAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gamesync_transfer_attempts_total",
	Help: "Transfer attempts by result (success, network_error, checksum_mismatch, io_error, cancelled).",
}, []string{"result"})

var TransferBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "gamesync_transfer_bytes_total",
	Help: "Bytes written to disk by transfers.",
})

var Files = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gamesync_files_total",
	Help: "Files reconciled by final status.",
}, []string{"status"})

var Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gamesync_runs_total",
	Help: "Reconciliation and update runs by result.",
}, []string{"kind", "result"})

var RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "gamesync_run_duration_seconds",
	Help:    "Wall time of reconciliation and update runs.",
	Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
}, []string{"kind"})

func init() {
	prometheus.MustRegister(TransferAttempts)
	prometheus.MustRegister(TransferBytes)
	prometheus.MustRegister(Files)
	prometheus.MustRegister(Runs)
	prometheus.MustRegister(RunDuration)
}
