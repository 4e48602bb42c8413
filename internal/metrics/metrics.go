package metrics

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Collector collects billing and request counters for the /metrics endpoint.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by route
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by error code

	// Billing metrics
	invoicesIssued map[string]int64           // by entry type
	settlements    map[string]int64           // by outcome (completed, replayed, or failure code)
	revenue        map[string]decimal.Decimal // settled amount by entry type
	verifications  map[string]int64           // by verifier outcome code

	// Anonymous balance metrics
	deposits      int64
	depositAmount decimal.Decimal
	debits        int64
	debitAmount   decimal.Decimal

	// Executor metrics
	executions      map[string]int64 // by model
	executionErrors map[string]int64
	executionDur    map[string]int64 // total latency in ms
	tokensByModel   map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		invoicesIssued:   make(map[string]int64),
		settlements:      make(map[string]int64),
		revenue:          make(map[string]decimal.Decimal),
		verifications:    make(map[string]int64),
		executions:       make(map[string]int64),
		executionErrors:  make(map[string]int64),
		executionDur:     make(map[string]int64),
		tokensByModel:    make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a request to a route.
func (c *Collector) RecordRequest(route string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[route]++
	c.totalRequestsDur[route] += duration.Milliseconds()
}

// RecordError records a failed response by error code.
func (c *Collector) RecordError(code string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[code]++
}

// RecordInvoice counts an issued invoice.
func (c *Collector) RecordInvoice(entryType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invoicesIssued[entryType]++
}

// RecordSettlement counts a settle attempt by outcome and books revenue for
// first-time completions.
func (c *Collector) RecordSettlement(entryType, outcome string, amount decimal.Decimal) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settlements[outcome]++
	if outcome == "completed" {
		c.revenue[entryType] = c.revenue[entryType].Add(amount)
	}
}

// RecordVerification counts a verifier verdict.
func (c *Collector) RecordVerification(code string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verifications[code]++
}

// RecordDeposit counts a credited anonymous deposit.
func (c *Collector) RecordDeposit(amount decimal.Decimal) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deposits++
	c.depositAmount = c.depositAmount.Add(amount)
}

// RecordDebit counts a debit against an anonymous balance.
func (c *Collector) RecordDebit(amount decimal.Decimal) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.debits++
	c.debitAmount = c.debitAmount.Add(amount)
}

// RecordExecution records one executor call.
func (c *Collector) RecordExecution(model string, duration time.Duration, totalTokens int64, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.executions[model]++
	c.executionDur[model] += duration.Milliseconds()
	c.tokensByModel[model] += totalTokens
	if err != nil {
		c.executionErrors[model]++
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
type Snapshot struct {
	Uptime           int64
	TotalRequests    map[string]int64
	TotalRequestsDur map[string]int64
	RequestErrors    map[string]int64
	InvoicesIssued   map[string]int64
	Settlements      map[string]int64
	Revenue          map[string]decimal.Decimal
	Verifications    map[string]int64
	Deposits         int64
	DepositAmount    decimal.Decimal
	Debits           int64
	DebitAmount      decimal.Decimal
	Executions       map[string]int64
	ExecutionErrors  map[string]int64
	ExecutionDur     map[string]int64
	TokensByModel    map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:           int64(time.Since(c.startTime).Seconds()),
		TotalRequests:    copyMap(c.totalRequests),
		TotalRequestsDur: copyMap(c.totalRequestsDur),
		RequestErrors:    copyMap(c.requestErrors),
		InvoicesIssued:   copyMap(c.invoicesIssued),
		Settlements:      copyMap(c.settlements),
		Revenue:          copyMap(c.revenue),
		Verifications:    copyMap(c.verifications),
		Deposits:         c.deposits,
		DepositAmount:    c.depositAmount,
		Debits:           c.debits,
		DebitAmount:      c.debitAmount,
		Executions:       copyMap(c.executions),
		ExecutionErrors:  copyMap(c.executionErrors),
		ExecutionDur:     copyMap(c.executionDur),
		TokensByModel:    copyMap(c.tokensByModel),
	}
}

func copyMap[T any](m map[string]T) map[string]T {
	result := make(map[string]T, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
