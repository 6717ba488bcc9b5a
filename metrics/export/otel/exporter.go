package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/purerosefallen/simpleuser"
	"github.com/purerosefallen/simpleuser/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() simpleuser.MetricsSnapshot
	AuditDropped() uint64
}

// familyMember is one counter of a family with its attribute set built
// once up front.
type familyMember struct {
	id    simpleuser.MetricID
	attrs metric.ObserveOption
}

type observedFamily struct {
	instrument metric.Int64ObservableCounter
	members    []familyMember
}

// OTelExporter publishes engine snapshots through observable instruments.
// The ResolveUser histogram becomes a bucket gauge keyed by the le
// attribute plus count and sum counters, since OTel has no observable
// histogram.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration

	families      []observedFamily
	latencyBucket metric.Int64ObservableGauge
	latencyCount  metric.Int64ObservableCounter
	latencySum    metric.Float64ObservableCounter
	auditDropped  metric.Int64ObservableCounter
}

func NewOTelExporter(meter metric.Meter, engine *simpleuser.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}
	var observables []metric.Observable

	for _, def := range internaldefs.Families {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", def.Name, err)
		}
		family := observedFamily{instrument: ins}
		for _, m := range def.Members {
			family.members = append(family.members, familyMember{
				id:    m.ID,
				attrs: metric.WithAttributes(attribute.String(def.Label, m.Value)),
			})
		}
		e.families = append(e.families, family)
		observables = append(observables, ins)
	}

	var err error
	name := internaldefs.ResolveLatencyName
	if e.latencyBucket, err = meter.Int64ObservableGauge(name+"_bucket",
		metric.WithDescription(internaldefs.ResolveLatencyHelp+" Cumulative count per le bound.")); err != nil {
		return nil, fmt.Errorf("create %s_bucket: %w", name, err)
	}
	if e.latencyCount, err = meter.Int64ObservableCounter(name+"_count",
		metric.WithDescription(internaldefs.ResolveLatencyHelp+" Number of calls.")); err != nil {
		return nil, fmt.Errorf("create %s_count: %w", name, err)
	}
	if e.latencySum, err = meter.Float64ObservableCounter(name+"_sum",
		metric.WithDescription(internaldefs.ResolveLatencyHelp+" Total time."), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create %s_sum: %w", name, err)
	}
	if e.auditDropped, err = meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription(internaldefs.AuditDroppedHelp)); err != nil {
		return nil, fmt.Errorf("create %s: %w", internaldefs.AuditDroppedName, err)
	}
	observables = append(observables, e.latencyBucket, e.latencyCount, e.latencySum, e.auditDropped)

	if e.registration, err = meter.RegisterCallback(e.observe, observables...); err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()

	if len(snapshot.Counters) > 0 {
		for _, f := range e.families {
			for _, m := range f.members {
				o.ObserveInt64(f.instrument, int64(snapshot.Counters[m.id]), m.attrs)
			}
		}
	}

	if latency, ok := internaldefs.ResolveLatency(snapshot); ok {
		for i, v := range latency.Cumulative {
			o.ObserveInt64(e.latencyBucket, int64(v),
				metric.WithAttributes(attribute.String("le", latency.BoundLabel(i))))
		}
		o.ObserveInt64(e.latencyCount, int64(latency.Count()))
		o.ObserveFloat64(e.latencySum, latency.SumSeconds)
	}

	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
