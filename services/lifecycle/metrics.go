package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vpkgate_sweep_removed_total",
		Help: "Items reclaimed by sweeps, by kind.",
	}, []string{"kind"})
	sweepIssues = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vpkgate_sweep_issues_total",
		Help: "Non-fatal problems encountered by sweeps.",
	})
)

func init() {
	prometheus.MustRegister(sweepRemoved, sweepIssues)
}

func (m *Manager) record(res SweepResult) {
	sweepRemoved.WithLabelValues("expired").Add(float64(len(res.Expired)))
	sweepRemoved.WithLabelValues("missing").Add(float64(len(res.Missing)))
	sweepRemoved.WithLabelValues("scratch").Add(float64(len(res.ScratchRemoved)))
	sweepRemoved.WithLabelValues("orphan").Add(float64(len(res.OrphansRemoved)))
	sweepIssues.Add(float64(len(res.Issues)))
}
