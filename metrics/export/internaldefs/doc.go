// Package internaldefs maps engine counters to labelled metric families
// and converts the ResolveUser histogram, so the Prometheus and OTel
// exporters expose identical series.
package internaldefs
