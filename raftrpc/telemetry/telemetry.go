// Package telemetry adapts raftrpc.MetricsSink to
// github.com/hashicorp/go-metrics, so the core packages never import
// go-metrics directly (SPEC_FULL §3, Design Notes §4.9b).
package telemetry

import (
	gometrics "github.com/hashicorp/go-metrics"

	"github.com/coreraft/raftnet/raftrpc"
)

// GoMetricsSink adapts a *gometrics.Metrics instance (or the package-level
// default when nil) to raftrpc.MetricsSink.
type GoMetricsSink struct {
	sink *gometrics.Metrics
}

// NewGoMetricsSink wraps m. A nil m uses go-metrics' global default, matching
// the teacher's habit of calling the package-level metrics.IncrCounter
// helpers when no explicit instance is threaded through.
func NewGoMetricsSink(m *gometrics.Metrics) *GoMetricsSink {
	return &GoMetricsSink{sink: m}
}

func (g *GoMetricsSink) IncrCounter(key []string, val float32, labels map[string]string) {
	lbls := toLabels(labels)
	if g.sink != nil {
		g.sink.IncrCounterWithLabels(key, val, lbls)
		return
	}
	gometrics.IncrCounterWithLabels(key, val, lbls)
}

func (g *GoMetricsSink) SetGauge(key []string, val float32, labels map[string]string) {
	lbls := toLabels(labels)
	if g.sink != nil {
		g.sink.SetGaugeWithLabels(key, val, lbls)
		return
	}
	gometrics.SetGaugeWithLabels(key, val, lbls)
}

func toLabels(labels map[string]string) []gometrics.Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]gometrics.Label, 0, len(labels))
	for k, v := range labels {
		out = append(out, gometrics.Label{Name: k, Value: v})
	}
	return out
}

var _ raftrpc.MetricsSink = (*GoMetricsSink)(nil)
