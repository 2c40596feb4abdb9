// Package ledger tracks in-flight mutating operations against a task so that a retried
// or duplicated network call is applied at most once.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Operation string

const (
	OpCancel    Operation = "cancel"
	OpReconnect Operation = "reconnect"
	OpUpdate    Operation = "update"
	OpComplete  Operation = "complete"
)

// IsLifecycle reports whether the operation ends a task and therefore needs exclusivity.
func (o Operation) IsLifecycle() bool {
	return o == OpCancel || o == OpComplete
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultStaleAfter is how long finished records are kept for diagnostics.
const DefaultStaleAfter = 5 * time.Minute

type Transaction struct {
	ID         string    `json:"id"`
	Operation  Operation `json:"operation"`
	Status     Status    `json:"status"`
	TaskID     string    `json:"task_id,omitempty"`
	RetryCount int       `json:"retry_count"`
	StartTime  time.Time `json:"start_time"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu  sync.Mutex
	txs map[string]*Transaction
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{txs: make(map[string]*Transaction), now: time.Now}
}

// UseClock replaces the time source. Intended for tests.
func (l *Ledger) UseClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Begin allocates a pending transaction. Lifecycle operations are refused while another
// lifecycle transaction for the same task is still pending.
func (l *Ledger) Begin(op Operation, taskID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if op.IsLifecycle() && taskID != "" {
		if pending := l.pendingLifecycleLocked(taskID); pending != nil {
			log.Warn().
				Str("task_id", taskID).
				Str("operation", string(op)).
				Str("pending_tx_id", pending.ID).
				Msg("lifecycle transaction already pending")
			return "", &DuplicateTransactionError{TaskID: taskID, Operation: op, PendingID: pending.ID}
		}
	}

	tx := &Transaction{
		ID:        uuid.NewString(),
		Operation: op,
		Status:    StatusPending,
		TaskID:    taskID,
		StartTime: l.now(),
	}
	l.txs[tx.ID] = tx
	log.Debug().Str("tx_id", tx.ID).Str("task_id", taskID).Str("operation", string(op)).Msg("transaction begun")
	return tx.ID, nil
}

func (l *Ledger) pendingLifecycleLocked(taskID string) *Transaction {
	for _, tx := range l.txs {
		if tx.TaskID == taskID && tx.Status == StatusPending && tx.Operation.IsLifecycle() {
			return tx
		}
	}
	return nil
}

// Complete settles a transaction. Successful ones are dropped, failed ones are kept for
// diagnostics until swept. Unknown or already settled ids are ignored.
func (l *Ledger) Complete(id string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[id]
	if !ok || tx.Status != StatusPending {
		return
	}
	if success {
		delete(l.txs, id)
		return
	}
	tx.Status = StatusFailed
	log.Debug().Str("tx_id", id).Str("task_id", tx.TaskID).Str("operation", string(tx.Operation)).Msg("transaction failed")
}

// Retry records another attempt of a pending transaction.
func (l *Ledger) Retry(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok || tx.Status != StatusPending {
		return false
	}
	tx.RetryCount++
	return true
}

// IsPending reports whether id refers to a transaction that has not settled.
func (l *Ledger) IsPending(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	return ok && tx.Status == StatusPending
}

// Sweep removes records started more than maxAge ago and returns how many were dropped.
// Pending records are included so a lost callback cannot block a task forever.
func (l *Ledger) Sweep(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for id, tx := range l.txs {
		if tx.StartTime.Before(cutoff) {
			if tx.Status == StatusPending {
				log.Warn().Str("tx_id", id).Str("task_id", tx.TaskID).Str("operation", string(tx.Operation)).Msg("dropping abandoned transaction")
			}
			delete(l.txs, id)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the transaction.
func (l *Ledger) Get(id string) (Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// List returns copies of all tracked transactions ordered by start time.
func (l *Ledger) List() []Transaction {
	l.mu.Lock()
	out := make([]Transaction, 0, len(l.txs))
	for _, tx := range l.txs {
		out = append(out, *tx)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.txs)
}
