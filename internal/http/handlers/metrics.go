package handlers

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

var (
	proxyRequestsTotal *prometheus.CounterVec
	proxyDuration      *prometheus.HistogramVec
	rateLimitedTotal   *prometheus.CounterVec
)

// InitPrometheusMetrics registers the gateway metric families. Call once
// at startup before serving traffic.
func InitPrometheusMetrics() {
	proxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotagate",
			Name:      "proxy_requests_total",
			Help:      "Total number of proxy attempts by outcome status.",
		},
		[]string{"slug", "method", "status"},
	)
	proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quotagate",
			Name:      "proxy_request_duration_seconds",
			Help:      "Histogram of proxied request durations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"slug", "method"},
	)
	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotagate",
			Name:      "rate_limited_total",
			Help:      "Total number of attempts denied by quota, by window.",
		},
		[]string{"slug", "window"},
	)
	prometheus.MustRegister(proxyRequestsTotal, proxyDuration, rateLimitedTotal)
}

// MetricsHandler exposes the registry in Prometheus text format. An
// optional ?slug= parameter narrows slug-labelled families to one
// protected API.
func MetricsHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		slug := string(ctx.QueryArgs().Peek("slug"))

		metricFamilies, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to gather metrics")
			return
		}

		filtered := metricFamilies
		if slug != "" {
			filtered = filterBySlug(metricFamilies, slug)
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range filtered {
			if err := encoder.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(expfmt.FmtText))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}

// filterBySlug keeps families without a slug label untouched and narrows
// the rest to the metrics carrying the requested slug value.
func filterBySlug(families []*dto.MetricFamily, slug string) []*dto.MetricFamily {
	filtered := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		hasSlugLabel := false
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "slug" {
					hasSlugLabel = true
					break
				}
			}
			if hasSlugLabel {
				break
			}
		}

		if !hasSlugLabel {
			filtered = append(filtered, mf)
			continue
		}

		var kept []*dto.Metric
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "slug" && l.GetValue() == slug {
					kept = append(kept, m)
					break
				}
			}
		}
		if len(kept) == 0 {
			continue
		}

		filtered = append(filtered, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return filtered
}
