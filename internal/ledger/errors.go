package ledger

import (
	"errors"
	"fmt"
)

var ErrDuplicateTransaction = errors.New("lifecycle transaction already pending")

type DuplicateTransactionError struct {
	TaskID    string
	Operation Operation
	PendingID string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("%s on task %s: %s (%s)", e.Operation, e.TaskID, ErrDuplicateTransaction, e.PendingID)
}

func (e *DuplicateTransactionError) Is(target error) bool { return target == ErrDuplicateTransaction }
