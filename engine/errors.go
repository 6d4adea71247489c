package engine

import (
	"errors"
	"fmt"

	"github.com/w1xm/gimbal_interface/canbus"
)

var (
	ErrTransmitFailed         = errors.New("transmit failed")
	ErrTimeout                = errors.New("no response before timeout")
	ErrUnexpectedResponse     = errors.New("unexpected response pattern")
	ErrConflictingTransaction = errors.New("another transaction is outstanding")
	ErrQueueFull              = errors.New("transaction queue full")
)

// TransactionError reports the failure of a single transaction.
type TransactionError struct {
	ID    string
	Frame canbus.Frame
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s (%s): %v", e.ID, e.Frame, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a transaction timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
