package monitoring

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// PrometheusExporter exports metrics in the Prometheus text format
type PrometheusExporter struct {
	metrics *ServiceMetrics
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(metrics *ServiceMetrics) *PrometheusExporter {
	return &PrometheusExporter{metrics: metrics}
}

// ServeHTTP implements the http.Handler interface for Prometheus metrics endpoint
func (pe *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	pe.metrics.UpdateSystemMetrics()
	pe.Write(w)
}

// Write renders every series. HELP and TYPE lines are emitted once per
// metric name.
func (pe *PrometheusExporter) Write(w io.Writer) {
	last := ""
	for _, metric := range pe.metrics.GetRegistry().GetAllMetrics() {
		if metric.Name != last {
			if last != "" {
				fmt.Fprint(w, "\n")
			}
			if metric.Help != "" {
				fmt.Fprintf(w, "# HELP %s %s\n", metric.Name, metric.Help)
			}
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, string(metric.Type))
			last = metric.Name
		}

		switch metric.Type {
		case MetricTypeCounter, MetricTypeGauge:
			fmt.Fprintf(w, "%s%s %s\n", metric.Name, formatLabels(metric.Labels), formatFloat(metric.Value))
		case MetricTypeHistogram:
			writeHistogram(w, metric)
		}
	}
}

func writeHistogram(w io.Writer, metric *Metric) {
	for _, b := range metric.Buckets {
		labels := addLabel(metric.Labels, "le", formatFloat(b.UpperBound))
		fmt.Fprintf(w, "%s_bucket%s %d\n", metric.Name, formatLabels(labels), b.Count)
	}
	labelStr := formatLabels(metric.Labels)
	fmt.Fprintf(w, "%s_sum%s %s\n", metric.Name, labelStr, formatFloat(metric.Sum))
	fmt.Fprintf(w, "%s_count%s %d\n", metric.Name, labelStr, metric.Count)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	var labelPairs []string
	for key, value := range labels {
		if value != "" {
			labelPairs = append(labelPairs, fmt.Sprintf("%s=\"%s\"", key, escapePrometheusValue(value)))
		}
	}

	if len(labelPairs) == 0 {
		return ""
	}

	sort.Strings(labelPairs)
	return "{" + strings.Join(labelPairs, ",") + "}"
}

func addLabel(labels map[string]string, key, value string) map[string]string {
	result := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		result[k] = v
	}
	result[key] = value
	return result
}

func escapePrometheusValue(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}
