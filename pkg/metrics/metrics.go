package metrics

import (
	"time"

	gometrics "github.com/armon/go-metrics"
)

// Setup installs the process-global in-memory sink. Counters aggregate over
// 10s intervals and are retained for an hour; the admin metrics endpoint
// reads them back through the returned sink's DisplayMetrics.
func Setup(service string) (*gometrics.InmemSink, error) {
	sink := gometrics.NewInmemSink(10*time.Second, time.Hour)
	cfg := gometrics.DefaultConfig(service)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if _, err := gometrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}
	return sink, nil
}

// Counter keys used across the gateway. Kept in one place so the admin
// endpoint and dashboards agree on names.
var (
	KeyProbeSuccess     = []string{"probe", "success"}
	KeyProbeFailure     = []string{"probe", "failure"}
	KeyTransitions      = []string{"probe", "transitions"}
	KeySnapshotPublish  = []string{"routing", "publish"}
	KeyDispatchAttempt  = []string{"dispatch", "attempt"}
	KeyDispatchRetry    = []string{"dispatch", "retry"}
	KeyDispatchFailover = []string{"dispatch", "failover"}
	KeyDispatchSuccess  = []string{"dispatch", "success"}
	KeyDispatchError    = []string{"dispatch", "error"}
	KeyBackpressure     = []string{"limiter", "backpressure"}
)

func Incr(key []string) {
	gometrics.IncrCounter(key, 1)
}

func Gauge(key []string, v float32) {
	gometrics.SetGauge(key, v)
}

func Sample(key []string, v float32) {
	gometrics.AddSample(key, v)
}

func MeasureSince(key []string, start time.Time) {
	gometrics.MeasureSince(key, start)
}
