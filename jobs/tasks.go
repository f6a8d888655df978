package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile re-derives invoice and customer balances from the
	// adjustment rows.
	TaskLedgerReconcile = "ledger:reconcile"
)

// Reconcile scopes.
const (
	ScopeAll       = "all"
	ScopeInvoices  = "invoices"
	ScopeCustomers = "customers"
)

// LedgerReconcilePayload selects which balances a reconcile run repairs.
type LedgerReconcilePayload struct {
	Scope string `json:"scope"`
}

func validScope(scope string) bool {
	switch scope {
	case ScopeAll, ScopeInvoices, ScopeCustomers:
		return true
	}
	return false
}

// NewLedgerReconcileTask constructs an Asynq task for a reconcile run.
// An unknown scope is rejected here so it never reaches the queue.
func NewLedgerReconcileTask(scope string) (*asynq.Task, error) {
	if scope == "" {
		scope = ScopeAll
	}
	if !validScope(scope) {
		return nil, fmt.Errorf("jobs: unknown reconcile scope %q", scope)
	}
	data, err := json.Marshal(LedgerReconcilePayload{Scope: scope})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, data), nil
}
