package internaldefs

import (
	"strconv"

	"github.com/purerosefallen/simpleuser"
)

// Family groups engine counters that differ only in one label, e.g. every
// login outcome under simpleuser_logins_total{outcome=...}.
type Family struct {
	Name    string
	Help    string
	Label   string
	Members []Member
}

// Member binds one engine counter to its label value.
type Member struct {
	ID    simpleuser.MetricID
	Value string
}

var Families = []Family{
	{
		Name:  "simpleuser_logins_total",
		Help:  "Login attempts by outcome.",
		Label: "outcome",
		Members: []Member{
			{simpleuser.MetricLoginSuccess, "success"},
			{simpleuser.MetricLoginFailure, "failure"},
			{simpleuser.MetricLoginRegistered, "registered"},
			{simpleuser.MetricLoginRecovered, "recovered"},
		},
	},
	{
		Name:  "simpleuser_code_events_total",
		Help:  "Verification code events.",
		Label: "event",
		Members: []Member{
			{simpleuser.MetricCodeSent, "sent"},
			{simpleuser.MetricCodeRateLimited, "rate_limited"},
			{simpleuser.MetricCodeGenerationFailed, "generation_failed"},
			{simpleuser.MetricCodeVerified, "verified"},
			{simpleuser.MetricCodeInvalid, "invalid"},
			{simpleuser.MetricCodeLocked, "locked"},
		},
	},
	{
		Name:  "simpleuser_password_events_total",
		Help:  "Password checks and changes.",
		Label: "event",
		Members: []Member{
			{simpleuser.MetricPasswordFailure, "failure"},
			{simpleuser.MetricPasswordLocked, "locked"},
			{simpleuser.MetricPasswordChanged, "changed"},
			{simpleuser.MetricPasswordReset, "reset"},
		},
	},
	{
		Name:  "simpleuser_session_events_total",
		Help:  "Login token lifecycle.",
		Label: "event",
		Members: []Member{
			{simpleuser.MetricSessionCreated, "created"},
			{simpleuser.MetricSessionRevoked, "revoked"},
			{simpleuser.MetricResolveUnauthenticated, "rejected"},
		},
	},
	{
		Name:  "simpleuser_account_events_total",
		Help:  "Account lifecycle events.",
		Label: "event",
		Members: []Member{
			{simpleuser.MetricAnonymousCreated, "anonymous_created"},
			{simpleuser.MetricEmailChanged, "email_changed"},
			{simpleuser.MetricUnregister, "unregistered"},
		},
	},
}

const (
	ResolveLatencyName = "simpleuser_resolve_latency_seconds"
	ResolveLatencyHelp = "ResolveUser latency."

	AuditDroppedName = "simpleuser_audit_dropped_total"
	AuditDroppedHelp = "Audit events lost to backpressure or a failing sink."
)

// Latency is the ResolveUser histogram in exporter form.
type Latency struct {
	// Bounds are upper bounds in seconds, without +Inf.
	Bounds []float64
	// Cumulative has one more entry than Bounds; the last is the count.
	Cumulative []uint64
	SumSeconds float64
}

func (l Latency) Count() uint64 {
	if len(l.Cumulative) == 0 {
		return 0
	}
	return l.Cumulative[len(l.Cumulative)-1]
}

// BoundLabel formats bound i as a Prometheus le value; len(Bounds) yields
// "+Inf".
func (l Latency) BoundLabel(i int) string {
	if i >= len(l.Bounds) {
		return "+Inf"
	}
	return strconv.FormatFloat(l.Bounds[i], 'g', -1, 64)
}

// ResolveLatency converts the snapshot histogram. ok is false when the
// engine does not record latency.
func ResolveLatency(s simpleuser.MetricsSnapshot) (Latency, bool) {
	raw, ok := s.Histograms[simpleuser.MetricResolveLatency]
	if !ok {
		return Latency{}, false
	}

	bounds := simpleuser.ResolveLatencyBounds()
	l := Latency{
		Bounds:     make([]float64, len(bounds)),
		Cumulative: make([]uint64, len(bounds)+1),
		SumSeconds: s.LatencySum[simpleuser.MetricResolveLatency].Seconds(),
	}
	for i, b := range bounds {
		l.Bounds[i] = b.Seconds()
	}

	var running uint64
	for i := range l.Cumulative {
		if i < len(raw) {
			running += raw[i]
		}
		l.Cumulative[i] = running
	}
	return l, true
}
