package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP paygate_uptime_seconds Time since paygate started\n")
	sb.WriteString("# TYPE paygate_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("paygate_uptime_seconds %d\n\n", snap.Uptime))

	writeCounters(&sb, "paygate_requests_total", "Total number of requests by route", "route", snap.TotalRequests)
	writeCounters(&sb, "paygate_request_duration_ms_total", "Total request duration in milliseconds", "route", snap.TotalRequestsDur)
	writeCounters(&sb, "paygate_request_errors_total", "Total error responses by code", "code", snap.RequestErrors)
	writeCounters(&sb, "paygate_invoices_issued_total", "Invoices issued by entry type", "type", snap.InvoicesIssued)
	writeCounters(&sb, "paygate_settlements_total", "Settle attempts by outcome", "outcome", snap.Settlements)
	writeCounters(&sb, "paygate_verifications_total", "Payment verifications by outcome code", "code", snap.Verifications)

	// Revenue by type
	sb.WriteString("# HELP paygate_revenue_total Settled amount by entry type\n")
	sb.WriteString("# TYPE paygate_revenue_total counter\n")
	for _, t := range sortedKeys(snap.Revenue) {
		sb.WriteString(fmt.Sprintf("paygate_revenue_total{type=\"%s\"} %s\n", t, snap.Revenue[t].String()))
	}
	sb.WriteString("\n")

	writeScalar(&sb, "paygate_anonymous_deposits_total", "Credited anonymous deposits", fmt.Sprint(snap.Deposits))
	writeScalar(&sb, "paygate_anonymous_deposit_amount_total", "Credited anonymous deposit amount", amount(snap.DepositAmount))
	writeScalar(&sb, "paygate_anonymous_debits_total", "Anonymous balance debits", fmt.Sprint(snap.Debits))
	writeScalar(&sb, "paygate_anonymous_debit_amount_total", "Anonymous balance debit amount", amount(snap.DebitAmount))

	writeCounters(&sb, "paygate_executions_total", "Executor calls by model", "model", snap.Executions)
	writeCounters(&sb, "paygate_execution_errors_total", "Executor errors by model", "model", snap.ExecutionErrors)
	writeCounters(&sb, "paygate_execution_latency_ms_total", "Total executor latency in milliseconds", "model", snap.ExecutionDur)
	writeCounters(&sb, "paygate_tokens_by_model_total", "Total tokens by model", "model", snap.TokensByModel)

	return sb.String()
}

func writeCounters(sb *strings.Builder, name, help, label string, values map[string]int64) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	for _, k := range sortedKeys(values) {
		sb.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, k, values[k]))
	}
	sb.WriteString("\n")
}

func writeScalar(sb *strings.Builder, name, help, value string) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	sb.WriteString(fmt.Sprintf("%s %s\n\n", name, value))
}

func amount(d decimal.Decimal) string { return d.String() }

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
