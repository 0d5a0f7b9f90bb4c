package fleet

import "github.com/prometheus/client_golang/prometheus"

// Prometheus fleet metrics.
var (
	devicesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_devices",
			Help: "Number of known devices by current status.",
		},
		[]string{"status"},
	)
	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_status_transitions_total",
			Help: "Total device status transitions.",
		},
		[]string{"from", "to", "trigger"},
	)
	alertsEvaluatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_alerts_evaluated_total",
			Help: "Transition alert evaluations by outcome.",
		},
		[]string{"outcome"},
	)
	backupProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_backup_progress_percent",
			Help: "Local backup completeness per device.",
		},
		[]string{"device"},
	)
	instructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_instructions_total",
			Help: "Control instructions sent to devices.",
		},
		[]string{"instruction", "result"},
	)
)

func init() {
	prometheus.MustRegister(devicesByStatus)
	prometheus.MustRegister(statusTransitionsTotal)
	prometheus.MustRegister(alertsEvaluatedTotal)
	prometheus.MustRegister(backupProgress)
	prometheus.MustRegister(instructionsTotal)
}
