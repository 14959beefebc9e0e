package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

// ClientTracker is satisfied by the auth rate limiter.
type ClientTracker interface {
	Tracked() int
}

type poolCollector struct {
	pool PoolStatter

	connections      *prometheus.Desc
	acquires         *prometheus.Desc
	acquireWait      *prometheus.Desc
	canceledAcquires *prometheus.Desc
	emptyAcquires    *prometheus.Desc
	newConnections   *prometheus.Desc
}

// RegisterPoolMetrics registers a collector that reads pool statistics on
// every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool PoolStatter) {
	reg.MustRegister(&poolCollector{
		pool: pool,
		connections: prometheus.NewDesc(
			"compat_db_pool_connections",
			"Database pool connections by state.",
			[]string{"state"}, nil,
		),
		acquires: prometheus.NewDesc(
			"compat_db_pool_acquires_total",
			"Successful connection acquires from the pool.",
			nil, nil,
		),
		acquireWait: prometheus.NewDesc(
			"compat_db_pool_acquire_wait_seconds_total",
			"Cumulative time spent acquiring connections.",
			nil, nil,
		),
		canceledAcquires: prometheus.NewDesc(
			"compat_db_pool_canceled_acquires_total",
			"Acquires abandoned because their context was cancelled.",
			nil, nil,
		),
		emptyAcquires: prometheus.NewDesc(
			"compat_db_pool_empty_acquires_total",
			"Acquires that had to wait because no idle connection was available.",
			nil, nil,
		),
		newConnections: prometheus.NewDesc(
			"compat_db_pool_new_connections_total",
			"Connections opened by the pool.",
			nil, nil,
		),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.acquires
	ch <- c.acquireWait
	ch <- c.canceledAcquires
	ch <- c.emptyAcquires
	ch <- c.newConnections
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	for state, value := range map[string]int32{
		"acquired":     stat.AcquiredConns(),
		"constructing": stat.ConstructingConns(),
		"idle":         stat.IdleConns(),
		"total":        stat.TotalConns(),
		"max":          stat.MaxConns(),
	} {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(value), state)
	}

	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(stat.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, stat.AcquireDuration().Seconds())
	ch <- prometheus.MustNewConstMetric(c.canceledAcquires, prometheus.CounterValue, float64(stat.CanceledAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(stat.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.newConnections, prometheus.CounterValue, float64(stat.NewConnsCount()))
}

// RegisterRateLimiterMetrics exposes how many clients currently hold a
// failed-auth budget.
func RegisterRateLimiterMetrics(reg prometheus.Registerer, tracker ClientTracker) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "compat_auth_tracked_clients",
		Help: "Clients currently tracked by the failed-auth rate limiter.",
	}, func() float64 {
		return float64(tracker.Tracked())
	}))
}
