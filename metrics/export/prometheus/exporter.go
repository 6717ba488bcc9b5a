package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/purerosefallen/simpleuser"
	"github.com/purerosefallen/simpleuser/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() simpleuser.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders engine metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter creates a Prometheus exporter that reads from engine.
func NewPrometheusExporter(engine *simpleuser.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource creates an exporter over any source of
// engine snapshots.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render writes the current metrics. A source with metrics disabled and
// no dropped audit events renders nothing.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && dropped == 0 {
		return ""
	}

	var w textWriter
	for _, family := range internaldefs.Families {
		w.header(family.Name, family.Help, "counter")
		for _, m := range family.Members {
			w.sample(family.Name, family.Label, m.Value, strconv.FormatUint(snapshot.Counters[m.ID], 10))
		}
	}

	if latency, ok := internaldefs.ResolveLatency(snapshot); ok {
		name := internaldefs.ResolveLatencyName
		w.header(name, internaldefs.ResolveLatencyHelp, "histogram")
		for i, v := range latency.Cumulative {
			w.sample(name+"_bucket", "le", latency.BoundLabel(i), strconv.FormatUint(v, 10))
		}
		w.sample(name+"_sum", "", "", strconv.FormatFloat(latency.SumSeconds, 'g', -1, 64))
		w.sample(name+"_count", "", "", strconv.FormatUint(latency.Count(), 10))
	}

	w.header(internaldefs.AuditDroppedName, internaldefs.AuditDroppedHelp, "counter")
	w.sample(internaldefs.AuditDroppedName, "", "", strconv.FormatUint(dropped, 10))

	return w.b.String()
}

type textWriter struct {
	b strings.Builder
}

func (w *textWriter) header(name, help, kind string) {
	w.b.WriteString("# HELP " + name + " " + escapeHelp(help) + "\n")
	w.b.WriteString("# TYPE " + name + " " + kind + "\n")
}

// sample writes one line; an empty label writes no label set.
func (w *textWriter) sample(name, label, labelValue, value string) {
	w.b.WriteString(name)
	if label != "" {
		w.b.WriteString("{" + label + "=" + strconv.Quote(labelValue) + "}")
	}
	w.b.WriteString(" " + value + "\n")
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}
